package commands

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gohpfeeds/internal/auth"
)

// dbPath is the SQLite user store path, shared by the user and perm
// command trees.
var dbPath string

// openStore opens the SQLite user store for an admin command.
func openStore() (*auth.SQLiteAuthenticator, error) {
	return auth.OpenSQLite(dbPath, slog.New(slog.DiscardHandler))
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage broker users",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "hpfeeds.db",
		"path to the SQLite user store (relative)")

	cmd.AddCommand(userAddCmd())
	cmd.AddCommand(userDelCmd())
	cmd.AddCommand(userListCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <ident> <secret>",
		Short: "Create or replace a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddUser(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("user %q added\n", args[0])
			return nil
		},
	}
}

func userDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <ident>",
		Short: "Delete a user and its permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RemoveUser(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("user %q deleted\n", args[0])
			return nil
		},
	}
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users with their channel allow-lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}

			for _, u := range users {
				fmt.Printf("%s\tpub=[%s]\tsub=[%s]\n",
					u.Ident,
					strings.Join(u.PubChannels, ","),
					strings.Join(u.SubChannels, ","),
				)
			}
			return nil
		},
	}
}

func permCmd() *cobra.Command {
	var canPub, canSub bool

	cmd := &cobra.Command{
		Use:   "perm",
		Short: "Manage channel permissions",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "hpfeeds.db",
		"path to the SQLite user store (relative)")

	add := &cobra.Command{
		Use:   "add <ident> <channel>",
		Short: "Grant a user access to a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddPermission(cmd.Context(), args[0], args[1], canPub, canSub); err != nil {
				return err
			}
			fmt.Printf("permission added: %s on %q pub=%t sub=%t\n", args[0], args[1], canPub, canSub)
			return nil
		},
	}
	add.Flags().BoolVar(&canPub, "pub", false, "grant publish access")
	add.Flags().BoolVar(&canSub, "sub", false, "grant subscribe access")

	cmd.AddCommand(add)
	return cmd
}
