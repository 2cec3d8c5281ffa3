package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/rolewatch/internal/auth"
)

// createHashTokenCommand prints a bcrypt hash for server.admin_token_hash.
func createHashTokenCommand() *cobra.Command {
	flags := &HashTokenFlags{}
	cmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash an admin token for server.admin_token_hash",
		Long: `Hash an admin token with bcrypt. The token is read from the argument
or, when omitted, from the first line of stdin.

Examples:
  rolewatch hash-token s3cret
  echo s3cret | rolewatch hash-token`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if !sc.Scan() {
					if err := sc.Err(); err != nil {
						return err
					}
					return errors.New("no token given")
				}
				token = strings.TrimSpace(sc.Text())
			}
			h, err := auth.HashToken(token, flags.Cost)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.Cost, "cost", 0, "bcrypt cost (default bcrypt.DefaultCost)")
	return cmd
}
