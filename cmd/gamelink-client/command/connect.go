package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gamelink/internal/client"
	"gamelink/internal/logging"
	"gamelink/internal/protocol"
	"gamelink/internal/tlsutil"
)

var (
	playerID string
	token    string
	authWait time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect, log in and chat",
	Long: `Connect to the server, log in with --player and --token, then send every
line read from stdin as a chat message. Inbound frames are printed to stdout.
Type /quit or press Ctrl+D to disconnect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

		tlsConfig, err := tlsutil.ClientConfig(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := client.New(cfg, tlsConfig, client.WithLogger(logger))
		c.OnStateChange(func(from, to client.State) {
			logger.Debug("client_state_changed", "from", from.String(), "to", to.String())
		})
		return session(ctx, c, logger, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	connectCmd.Flags().StringVar(&playerID, "player", "", "player id sent in the identity frame")
	connectCmd.Flags().StringVar(&token, "token", "", "credential sent in the identity frame")
	connectCmd.Flags().DurationVar(&authWait, "auth-wait", 10*time.Second, "how long to wait for the server to accept the login")
	_ = connectCmd.MarkFlagRequired("player")

	rootCmd.AddCommand(connectCmd)
}

// session drives one connection: log in, pump stdin to the server and
// server frames to out until either side ends.
func session(ctx context.Context, c *client.Client, logger *slog.Logger, in io.Reader, out io.Writer) error {
	if err := c.Connect(ctx, protocol.NewIdentity(playerID, token)); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	authCtx, cancel := context.WithTimeout(ctx, authWait)
	details, err := c.ServerDetails().Wait(authCtx)
	if err == nil {
		fmt.Fprintf(out, "connected to %s (protocol %s, build %d, %s)\n",
			details.Name, details.ProtocolVersion, details.BuildNumber, details.CryptoSuiteInUse)
		_, err = c.Authenticated().Wait(authCtx)
	}
	cancel()
	if err != nil {
		if reason := c.LastDisconnectReason(); reason != "" {
			return fmt.Errorf("login refused: %s", reason)
		}
		_ = c.Disconnect(context.Background())
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintln(out, "logged in, type \"ready\" to join the lobby")

	closed := c.Closed()
	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case <-ctx.Done():
			return disconnect(c)

		case <-closed:
			if reason := c.LastDisconnectReason(); reason != "" {
				fmt.Fprintf(out, "disconnected: %s\n", reason)
			} else {
				fmt.Fprintln(out, "connection closed")
			}
			return nil

		case obj := <-c.Messages():
			fmt.Fprintln(out, formatFrame(obj))

		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return disconnect(c)
			}
			if line == "" {
				continue
			}
			if err := c.SendMessage(line); err != nil {
				logger.Warn("failed_to_send_message", "error", err.Error())
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- strings.TrimSpace(scanner.Text())
	}
}

func disconnect(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil && !errors.Is(err, client.ErrNotConnected) {
		return err
	}
	return nil
}

func formatFrame(obj protocol.TransferObject) string {
	switch m := obj.(type) {
	case *protocol.Message:
		return m.Value
	case *protocol.Notification:
		if len(m.Payload) == 0 {
			return fmt.Sprintf("[%s]", m.Topic)
		}
		return fmt.Sprintf("[%s] %s", m.Topic, string(m.Payload))
	default:
		return fmt.Sprintf("<%s %s>", obj.MessageType(), obj.ID())
	}
}
