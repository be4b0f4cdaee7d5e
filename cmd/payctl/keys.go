package main

import (
	"fmt"

	"github.com/localmarket/paycore/internal/auth"
	"github.com/localmarket/paycore/internal/validation"
	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "API key management",
	}
	cmd.AddCommand(issueKeyCmd())
	return cmd
}

func issueKeyCmd() *cobra.Command {
	var (
		userID string
		role   string
		name   string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key",
		Long: `Issue an API key for a user. The raw key is printed once and only its
hash is stored. Use this to create the first admin key.

Examples:
  payctl keys issue --user usr_ops --role admin
  payctl keys issue --user usr_owner_1 --role owner --name "POS terminal"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := auth.Role(role)
			if !r.Valid() {
				return fmt.Errorf("invalid role %q: must be customer, owner or admin", role)
			}
			if !validation.IsValidID(userID) {
				return fmt.Errorf("invalid user id %q", userID)
			}

			db, _, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			raw, key, err := auth.NewManager(auth.NewPostgresStore(db)).GenerateKey(cmd.Context(), userID, r, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key id:  %s\napi key: %s\n", key.ID, raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id the key authenticates as")
	cmd.Flags().StringVar(&role, "role", "owner", "customer, owner or admin")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
