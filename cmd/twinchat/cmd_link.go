package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"twinchat/internal/registry"
)

var (
	linkUser string
	linkName string
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Manage shareable clone links",
	Long: `A clone link is an unguessable token the external bot/web transport
resolves to a persona. Issuing a new link for a user revokes the previous
one, so exactly one link per user works at a time.`,
}

var linkNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Issue a new clone link, revoking the user's previous one",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cfg.Storage.RegistryPath, logger)
		if err != nil {
			return err
		}
		link, err := reg.Register(linkUser, linkName)
		if err != nil {
			return err
		}
		fmt.Printf("Token: %s\n", link.Token)
		return nil
	},
}

var linkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all clone links, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cfg.Storage.RegistryPath, logger)
		if err != nil {
			return err
		}
		links := reg.List()
		if len(links) == 0 {
			fmt.Println("No clone links issued.")
			return nil
		}
		for _, l := range links {
			state := "active"
			if !l.Active {
				state = "revoked"
			}
			fmt.Printf("%s  user=%s  %s  accesses=%d  created=%s\n",
				l.Token, l.UserID, state, l.AccessCount,
				l.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var linkRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN",
	Short: "Revoke a clone link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cfg.Storage.RegistryPath, logger)
		if err != nil {
			return err
		}
		if err := reg.Deactivate(args[0]); err != nil {
			return err
		}
		fmt.Println("Revoked.")
		return nil
	},
}

func init() {
	linkNewCmd.Flags().StringVarP(&linkUser, "user", "u", "", "User id the link resolves to")
	linkNewCmd.Flags().StringVar(&linkName, "name", "", "Display name for the link")
	linkNewCmd.MarkFlagRequired("user")

	linkCmd.AddCommand(linkNewCmd)
	linkCmd.AddCommand(linkListCmd)
	linkCmd.AddCommand(linkRevokeCmd)
}
