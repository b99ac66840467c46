package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcules/vidi-runtime/internal/auth"
	"github.com/mcules/vidi-runtime/internal/store"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage server API keys in the local keys database",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a key and print it once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(func(keys *store.Keys) error {
			key, rec, err := auth.NewAuthenticator(keys).GenerateKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id=%s name=%s\n%s\n", rec.ID, rec.Name, key)
			return nil
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKeys(func(keys *store.Keys) error {
			recs, err := keys.ListAPIKeys(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range recs {
				last := "never"
				if r.LastUsedAt != nil {
					last = r.LastUsedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(out, "%s  %-20s %s...  created %s  last used %s\n",
					r.ID, r.Name, r.Prefix, r.CreatedAt.Format("2006-01-02"), last)
			}
			return nil
		})
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(func(keys *store.Keys) error {
			return keys.DeleteAPIKey(cmd.Context(), args[0])
		})
	},
}

func init() {
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysDeleteCmd)
}

func withKeys(fn func(*store.Keys) error) error {
	keys, err := store.OpenKeys(cfg.Server.KeysDB)
	if err != nil {
		return err
	}
	defer keys.Close()
	return fn(keys)
}
