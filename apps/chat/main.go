package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiURL         string
	login          string
	conversationID string
	verbose        bool
)

// rootCmd logs in then runs the interactive chat
var rootCmd = &cobra.Command{
	Use:   "masomo-chat",
	Short: "Terminal client of the Masomo messaging API",
	Long: `masomo-chat logs in to the Masomo API and opens an interactive chat.

Commands:
  /list                      list your conversations
  /open ID                   open a conversation
  /new [-name NAME] USERID…  find or start a conversation with these users
  /users [SEARCH]            list the users you can write to
  /del MESSAGEID             delete one of your messages
  /refresh                   reload everything and reconnect the live feed
  /quit                      leave
Any other line is sent to the open conversation.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.Flags().StringVar(&apiURL, "api", envOr("MASOMO_API", "http://localhost:8000"), "base URL of the API")
	rootCmd.Flags().StringVarP(&login, "user", "u", os.Getenv("MASOMO_USER"), "username or email (prompted when empty)")
	rootCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation to open on start")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log the session's internals")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
