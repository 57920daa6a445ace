//go:build windows

package main

import (
	"context"

	"github.com/gluk-w/claworc/shellrelay/internal/client"
)

// watchResize is a no-op: Windows consoles have no SIGWINCH. The size is
// sent once on every attach.
func watchResize(context.Context, *client.Client) func() { return func() {} }
