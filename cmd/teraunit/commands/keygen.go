package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teraunit/teraunit/pkg/auth"
	"github.com/teraunit/teraunit/pkg/vault"
)

func newKeygenCommand() *cobra.Command {
	var token bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a vault key or control token",
		Long: `Print a fresh random secret.

By default this prints a 32-byte vault key suitable for TERA_VAULT_KEY. To
rotate, prepend the new key to the existing list: the first key seals, every
key opens.`,
		Example: `  # New vault key
  teraunit keygen

  # New control token
  teraunit keygen --token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				secret string
				err    error
			)
			if token {
				secret, err = auth.GenerateToken()
			} else {
				secret, err = vault.GenerateKey()
			}
			if err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		},
	}

	cmd.Flags().BoolVar(&token, "token", false, "generate a control token instead of a vault key")

	return cmd
}
