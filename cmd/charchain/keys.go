package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	keyScopes      []string
	keyDescription string
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysDeleteCmd())
	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Long: "Create stores a new API key and prints it. Only its hash is kept, so the key cannot be shown again.\n" +
			"The first key ever created always gets the master scope '*'.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := createAPIKey(cmd.Context(), a.db, keyScopes, keyDescription)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %d\n", created.ID)
			fmt.Fprintf(out, "scopes: %s\n", strings.Join(created.Scopes, " "))
			fmt.Fprintf(out, "key:    %s\n", created.RawKey)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&keyScopes, "scope", nil,
		"scope to grant; repeatable (models:read, models:write, models:generate, server:read, server:control, auth:manage, *)")
	cmd.Flags().StringVar(&keyDescription, "description", "", "what the key is for")
	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := listAPIKeys(cmd.Context(), a.db)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", k.ID, strings.Join(k.Scopes, " "), k.Description)
			}
			return nil
		},
	}
}

func newKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := deleteAPIKey(cmd.Context(), a.db, id)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("key %d not found", id)
			}
			return nil
		},
	}
}
