package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gluk-w/claworc/shellrelay/internal/auth"
	"github.com/gluk-w/claworc/shellrelay/internal/database"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shellrelay",
		Short:         "Persistent remote shell sessions over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newAttachCmd())
	root.AddCommand(newHashTokenCmd())
	root.AddCommand(newGenerateKeyCmd())
	return root
}

func newHashTokenCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an API token for SHELLRELAY_API_TOKENS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				var err error
				if token, err = readSecret(cmd, "Token: "); err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			if user != "" {
				hash = user + ":" + hash
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "prefix the hash with a user name")
	return cmd
}

func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Print a new key for SHELLRELAY_OUTPUT_ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), database.GenerateKey())
		},
	}
}

// readSecret prompts on a terminal without echo, or reads one line from
// piped stdin.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return line, nil
}
