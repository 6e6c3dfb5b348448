package emailsvc

import (
	"context"
	"fmt"
	htmltmpl "html/template"
	"net/mail"
	"net/url"
	"unicode/utf8"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

const previewLength = 140

var messageTmpl = htmltmpl.Must(htmltmpl.New("message").Parse(
	`<p><strong>{{.Sender}}</strong> sent you a message:</p>
<blockquote>{{.Preview}}</blockquote>
<p><a href="{{.Link}}">Open the conversation</a></p>`))

type messageTmplData struct {
	Sender  string
	Preview string
	Link    string
}

// MessageNotifier emails the recipients of a message.
type MessageNotifier struct {
	users   user.Repository
	mailer  core.EmailService
	logger  core.Logger
	baseURL string
}

var _ messaging.Notifier = (*MessageNotifier)(nil)

func NewMessageNotifier(users user.Repository, mailer core.EmailService, logger core.Logger, conf *core.Config) *MessageNotifier {
	return &MessageNotifier{
		users:   users,
		mailer:  mailer,
		logger:  logger,
		baseURL: conf.FrontendBaseURL,
	}
}

// MessageSent sends one email per active recipient having an email address.
// Failures are logged: the message is already persisted.
func (n *MessageNotifier) MessageSent(ctx context.Context, msg messaging.Message, recipientIDs []string) {
	emails := make([]*core.EmailMessage, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		usr, err := n.users.GetUserByID(ctx, id)
		if err != nil {
			n.logger.Warn(fmt.Sprintf("notifying user %s: %v", id, err), err, msg.Sender)
			continue
		}
		if !usr.IsActive || usr.Email == "" {
			continue
		}
		emails = append(emails, n.email(msg, usr))
	}
	if len(emails) > 0 {
		n.mailer.SendMessages(emails...)
	}
}

func (n *MessageNotifier) email(msg messaging.Message, to user.User) *core.EmailMessage {
	preview := msg.Preview()
	if utf8.RuneCountInString(preview) > previewLength {
		preview = string([]rune(preview)[:previewLength]) + "…"
	}
	return &core.EmailMessage{
		To:           []mail.Address{{Name: to.Name, Address: to.Email}},
		Subject:      "New message from " + msg.Sender.Name,
		BodyStr:      fmt.Sprintf("%s sent you a message:\n\n%s\n\n%s", msg.Sender.Name, preview, n.link(msg.ConversationID)),
		HTMLTemplate: messageTmpl,
		TemplateData: messageTmplData{Sender: msg.Sender.Name, Preview: preview, Link: n.link(msg.ConversationID)},
	}
}

func (n *MessageNotifier) link(conversationID string) string {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return n.baseURL
	}
	u.Path = "/messages"
	q := u.Query()
	q.Set("conversation", conversationID)
	u.RawQuery = q.Encode()
	return u.String()
}
