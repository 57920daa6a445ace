//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gluk-w/claworc/shellrelay/internal/client"
)

// watchResize forwards terminal size changes until ctx is done.
func watchResize(ctx context.Context, c *client.Client) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				cols, rows := termSize()
				_ = c.Resize(ctx, uint16(rows), uint16(cols))
			}
		}
	}()
	return func() { signal.Stop(sigCh) }
}
