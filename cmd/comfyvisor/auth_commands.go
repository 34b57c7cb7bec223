package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/comfyvisor/internal/auth"
)

func createAuthCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "API authentication helpers",
	}
	cmd.AddCommand(createHashPasswordCommand(), createLoginCommand(global))
	return cmd
}

func createHashPasswordCommand() *cobra.Command {
	flags := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for server.auth.users",
		Long: `Hash a password for the server.auth.users list. The password is read from
--password or, when omitted, from the first line of stdin. With --username
the full user entry is printed.

Examples:
  echo -n 's3cret' | comfyvisor auth hash-password --username=admin
  comfyvisor auth hash-password --password=s3cret --username=ops --role=viewer`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw := flags.Password
			if pw == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required (--password or stdin)")
				}
				pw = strings.TrimRight(line, "\r\n")
			}
			switch auth.Role(flags.Role) {
			case "", auth.RoleAdmin, auth.RoleViewer:
			default:
				return fmt.Errorf("invalid --role %q (want admin or viewer)", flags.Role)
			}
			hash, err := auth.HashPassword(pw, flags.Cost)
			if err != nil {
				return err
			}
			out := hash
			if flags.Username != "" {
				out = flags.Username + ":" + hash
				if flags.Role != "" {
					out += ":" + flags.Role
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.Password, "password", "", "password to hash (stdin when empty)")
	cmd.Flags().IntVar(&flags.Cost, "cost", 0, "bcrypt cost (library default when zero)")
	cmd.Flags().StringVar(&flags.Username, "username", "", "print a full name:hash[:role] entry")
	cmd.Flags().StringVar(&flags.Role, "role", "", "admin or viewer")
	return cmd
}

func createLoginCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange --user credentials for a bearer token",
		Long: `Log in with --user=name:password and print the issued token. Pass it to
later commands with --token or COMFYVISOR_TOKEN.

Examples:
  export COMFYVISOR_TOKEN=$(comfyvisor auth login --user=admin:s3cret | jq -r .token.value)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, pass, ok := strings.Cut(global.User, ":")
			if !ok || name == "" {
				return errors.New("--user=name:password required")
			}
			res, err := newClient(global).Login(cmd.Context(), name, pass)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
