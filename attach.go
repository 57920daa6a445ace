package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gluk-w/claworc/shellrelay/internal/client"
	"github.com/gluk-w/claworc/shellrelay/internal/protocol"
)

func newAttachCmd() *cobra.Command {
	var (
		baseURL   string
		sessionID string
		token     string
		lastSeen  uint64
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach the terminal to a session, reattaching after drops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}
			if token == "" {
				token = os.Getenv("SHELLRELAY_TOKEN")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			return attach(ctx, cmd, baseURL, sessionID, token, lastSeen)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8000", "relay base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID")
	cmd.Flags().StringVar(&token, "token", "", "API token (default $SHELLRELAY_TOKEN)")
	cmd.Flags().Uint64Var(&lastSeen, "last-seen", 0, "resume after this output sequence")
	return cmd
}

func attach(ctx context.Context, cmd *cobra.Command, baseURL, sessionID, token string, lastSeen uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()
	var c *client.Client
	c = client.New(client.Options{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Token:     token,
		LastSeen:  lastSeen,
		OnMessage: func(m protocol.Message) {
			switch m.Type {
			case protocol.TypeOutput:
				_, _ = stdout.Write(m.Data)
			case protocol.TypeProcessEnded:
				code := 0
				if m.ExitCode != nil {
					code = *m.ExitCode
				}
				fmt.Fprintf(stderr, "\r\n[shellrelay: process ended, exit %d]\r\n", code)
			case protocol.TypeError:
				fmt.Fprintf(stderr, "\r\n[shellrelay: %s]\r\n", m.Message)
			}
		},
		OnEvent: func(ev client.Event) {
			switch ev.Type {
			case client.EventConnected:
				cols, rows := termSize()
				_ = c.Resize(ctx, uint16(rows), uint16(cols))
			case client.EventReconnecting:
				fmt.Fprintf(stderr, "\r\n[shellrelay: reconnecting in %s]\r\n", ev.Delay)
			}
		},
	})

	restore, err := makeStdinRaw()
	if err != nil {
		return fmt.Errorf("raw terminal: %w", err)
	}
	defer restore()

	go forwardStdin(ctx, cancel, c)
	stopResize := watchResize(ctx, c)
	defer stopResize()

	err = c.Run(ctx)
	if err != nil {
		restore()
		fmt.Fprintln(stderr)
	}
	return err
}

// detachKey (Ctrl-]) ends the attach without touching the session.
const detachKey = 0x1d

func forwardStdin(ctx context.Context, cancel context.CancelFunc, c *client.Client) {
	buf := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			for i, b := range data {
				if b == detachKey {
					if i > 0 {
						_ = c.Input(ctx, append([]byte(nil), data[:i]...))
					}
					cancel()
					return
				}
			}
			if err := c.Input(ctx, append([]byte(nil), data...)); err != nil && !errors.Is(err, client.ErrNotConnected) {
				cancel()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cancel()
			}
			return
		}
	}
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 120, 30
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 120, 30
	}
	return c, r
}
