package command

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gamelink/internal/auth"
)

var (
	tokenSecret string
	tokenName   string
	tokenTTL    time.Duration
	operator    bool
	hashCost    int
)

// tokenCmd issues a token accepted by a server running in jwt auth mode,
// or with --operator a token for the admin API.
var tokenCmd = &cobra.Command{
	Use:   "token <player-id>",
	Short: "Issue a signed login or operator token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secretEnv := "JWT_SECRET"
		if operator {
			secretEnv = "ADMIN_JWT_SECRET"
		}
		secret := tokenSecret
		if secret == "" {
			secret = os.Getenv(secretEnv)
		}
		if secret == "" {
			return fmt.Errorf("a signing secret is required (--secret or %s)", secretEnv)
		}

		var (
			token string
			err   error
		)
		if operator {
			token, err = auth.IssueOperatorToken(secret, args[0], tokenTTL)
		} else {
			token, err = auth.IssueToken(secret, args[0], tokenName, tokenTTL)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// hashCmd prints a GAMELINK_STATIC_USERS entry for a player.
var hashCmd = &cobra.Command{
	Use:   "hash-password <player-id>",
	Short: "Hash a password read from stdin for static auth mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(cmd.InOrStdin())
		password, err := reader.ReadString('\n')
		if err != nil && password == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")

		hash, err := auth.HashToken(password, hashCost)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], hash)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC signing secret (default: JWT_SECRET, or ADMIN_JWT_SECRET with --operator)")
	tokenCmd.Flags().BoolVar(&operator, "operator", false, "issue an admin API operator token")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name embedded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	hashCmd.Flags().IntVar(&hashCost, "cost", 0, "bcrypt cost (default 10)")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashCmd)
}
