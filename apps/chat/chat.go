package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trezcool/masomo/client/apiclient"
	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/messaging/session"
	logsvc "github.com/trezcool/masomo/services/logger"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errQuit = errors.New("quit")
)

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	client, err := apiclient.New(apiURL)
	if err != nil {
		return err
	}
	if login == "" {
		fmt.Fprint(out, "Username or email: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "reading username")
		}
		login = strings.TrimSpace(line)
	}
	fmt.Fprint(out, "Password: ")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(out)
	if err != nil {
		return errors.Wrap(err, "reading password")
	}
	me, err := client.Login(ctx, login, string(pwd))
	if err != nil {
		return err
	}

	loc, err := session.NewURLLocation(strings.TrimRight(core.Conf.FrontendBaseURL, "/") + "/messages")
	if err != nil {
		return err
	}
	if conversationID != "" {
		loc.SetConversation(conversationID)
	}

	logOut := io.Discard
	if verbose {
		logOut = os.Stderr
	}
	logger := logsvc.NewRollbarLogger(log.New(logOut, "CHAT : ", log.LstdFlags|log.Lmicroseconds), core.Conf)

	p := newPrinter(out)
	sess, err := session.New(me, client, client, logger, session.Options{
		Location: loc,
		OnChange: p.render,
		OnNotice: p.notice,
	})
	if err != nil {
		return err
	}
	go func() { _ = sess.Run(ctx) }()

	fmt.Fprintf(out, "Hi %s! Type /list to see your conversations.\n", me.Name)
	sess.Load()

	r := repl{sess: sess, client: client, out: out, loc: loc}
	for {
		raw, err := in.ReadString('\n')
		if line, ok := inputLine(raw); ok {
			if hErr := r.handle(ctx, line); hErr != nil {
				if hErr == errQuit {
					return nil
				}
				fmt.Fprintf(out, "! %v\n", hErr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// repl turns input lines into session actions.
type repl struct {
	sess   *session.Session
	client *apiclient.Client
	out    io.Writer
	loc    *session.URLLocation
}

// inputLine strips the line terminator of raw. ok is false for blank lines.
func inputLine(raw string) (line string, ok bool) {
	line = strings.TrimRight(raw, "\r\n")
	return line, strings.TrimSpace(line) != ""
}

// handle runs line as a command if it starts with a slash, or sends it as typed.
func (r *repl) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(strings.TrimSpace(line), "/") {
		r.sess.Submit(line)
		return nil
	}

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "/quit", "/q":
		return errQuit

	case "/list", "/ls":
		st, err := r.sess.Snapshot()
		if err != nil {
			return err
		}
		listConversations(r.out, st)

	case "/open":
		if len(args) != 1 {
			return errors.New("usage: /open ID")
		}
		r.sess.Select(args[0])

	case "/new":
		nc, err := parseNewConversation(args)
		if err != nil {
			return err
		}
		res, err := r.client.Resolve(ctx, nc)
		if err != nil {
			return err
		}
		if !res.Created {
			fmt.Fprintln(r.out, "* conversation already exists, opening it")
		}
		r.sess.ConversationCreated(res.Conversation.ID)

	case "/users":
		users, err := r.client.Candidates(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintf(r.out, "  %s  %s (@%s, %s)\n", u.ID, u.Name, u.Username, u.Role)
		}

	case "/del", "/delete":
		if len(args) != 1 {
			return errors.New("usage: /del MESSAGEID")
		}
		r.sess.Delete(args[0])

	case "/refresh":
		r.sess.Refresh()

	case "/link":
		fmt.Fprintln(r.out, r.loc.String())

	default:
		return errors.Errorf("unknown command %s", name)
	}
	return nil
}

func parseNewConversation(args []string) (messaging.NewConversation, error) {
	fs := flag.NewFlagSet("/new", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "group name")
	if err := fs.Parse(args); err != nil {
		return messaging.NewConversation{}, errors.Wrap(err, "usage: /new [-name NAME] USERID...")
	}
	if fs.NArg() == 0 {
		return messaging.NewConversation{}, errors.New("usage: /new [-name NAME] USERID...")
	}
	return messaging.NewConversation{Name: *name, ParticipantIDs: fs.Args()}, nil
}

func listConversations(w io.Writer, st session.State) {
	if len(st.Conversations) == 0 {
		fmt.Fprintln(w, "  no conversations yet, start one with /new")
		return
	}
	for _, c := range st.Conversations {
		mark := " "
		if c.ID == st.ActiveID {
			mark = ">"
		}
		preview := ""
		if c.LastMessage != nil {
			preview = ": " + c.LastMessage.Preview()
		}
		fmt.Fprintf(w, "%s %s  %s%s\n", mark, c.ID, c.DisplayName, preview)
	}
}

// printer writes the active conversation's new and changed entries.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	activeID string
	seen     map[string]string // entry id: rendered line
	liveDown bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]string)}
}

func (p *printer) render(st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.ActiveID != p.activeID {
		p.activeID = st.ActiveID
		p.seen = make(map[string]string)
		if c, ok := st.Active(); ok {
			fmt.Fprintf(p.out, "--- %s ---\n", c.DisplayName)
		}
	}
	if st.Phase != session.PhaseLoaded {
		return
	}
	for _, e := range st.Messages {
		line := formatEntry(e, st.Me.ID)
		if p.seen[e.ID] == line {
			continue
		}
		p.seen[e.ID] = line
		fmt.Fprintln(p.out, line)
	}

	if down := st.LiveErr != nil; down != p.liveDown {
		p.liveDown = down
		if down {
			fmt.Fprintf(p.out, "! live updates stopped (%v), /refresh to reconnect\n", st.LiveErr)
		}
	}
}

func (p *printer) notice(n session.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n.Level == session.NoticeError {
		fmt.Fprintf(p.out, "! %s: %v\n", n.Text, n.Err)
		return
	}
	fmt.Fprintf(p.out, "* %s\n", n.Text)
}

func formatEntry(e session.Entry, myID string) string {
	who := e.Sender.Name
	if e.Sender.ID == myID {
		who = "me"
	}
	switch {
	case e.Pending:
		return fmt.Sprintf("  %s: %s (sending…)", who, e.Content)
	case e.Deleted:
		return fmt.Sprintf("  [%s] %s %s: %s", e.ID, e.CreatedAt.Local().Format("15:04"), who, messaging.DeletedPlaceholder)
	default:
		return fmt.Sprintf("  [%s] %s %s: %s", e.ID, e.CreatedAt.Local().Format("15:04"), who, e.Content)
	}
}
