package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"twinchat/internal/orchestrator"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with a persona",
	Long: `Starts a terminal chat session over the same pipeline the web/bot
transports use. Commands: /reset clears the conversation, /quit exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := orchestrator.NewRegistry(newOrchestratorFactory(cfg, logger), logger)
		defer reg.Close()

		o, err := reg.Get(chatUser)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conversationID := "cli-" + chatUser
		fmt.Printf("Chatting as persona %q. /reset clears history, /quit exits.\n", chatUser)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case line == "/quit" || line == "/exit":
				return nil
			case line == "/reset":
				if err := o.ClearHistory(conversationID); err != nil {
					fmt.Printf("Failed to reset: %v\n", err)
				} else {
					fmt.Println("История очищена.")
				}
				continue
			}

			fmt.Println(o.GetAnswer(ctx, line, conversationID))

			if ctx.Err() != nil {
				return nil
			}
		}
		return scanner.Err()
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "", "Persona user id to chat with")
	chatCmd.MarkFlagRequired("user")
}
