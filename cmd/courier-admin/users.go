package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/migadu/courier/mailstore/userdb"
)

var errUsage = errors.New("usage error")

func newUserCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local users",
	}

	var password string
	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Add a user; the password is read from stdin unless --password is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("password") {
				if password, err = readPassword(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if password == "" {
				return fmt.Errorf("%w: empty password", errUsage)
			}
			hash, err := userdb.HashPassword(password, 0)
			if err != nil {
				return err
			}

			f, err := readUsersFile(cfg.Mailstore.UsersFile)
			if err != nil {
				return err
			}
			if err := f.Add(args[0], hash); err != nil {
				return err
			}
			if err := f.WriteFile(cfg.Mailstore.UsersFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", strings.ToLower(args[0]))
			return nil
		},
	}
	add.Flags().StringVarP(&password, "password", "p", "", "plain-text password to hash")

	remove := &cobra.Command{
		Use:   "remove <address>",
		Short: "Remove a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			f, err := userdb.ReadFile(cfg.Mailstore.UsersFile)
			if err != nil {
				return err
			}
			if err := f.Remove(args[0]); err != nil {
				return err
			}
			if err := f.WriteFile(cfg.Mailstore.UsersFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", strings.ToLower(args[0]))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			table, err := userdb.Load(cfg.Mailstore.UsersFile)
			if err != nil {
				return err
			}
			for _, addr := range table.Addresses() {
				fmt.Fprintln(cmd.OutOrStdout(), addr)
			}
			return nil
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <password>",
		Short: "Print a {BLF-CRYPT} hash for the users file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := userdb.HashPassword(args[0], 0)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readUsersFile returns an empty file when path does not exist yet.
func readUsersFile(path string) (*userdb.File, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &userdb.File{}, nil
	}
	return userdb.ReadFile(path)
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
