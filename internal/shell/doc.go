// Package shell starts interactive shell processes attached to a
// pseudo-terminal or console and exposes them through one interface.
//
// A [Process] is a live OS process plus its terminal handle. Reading
// from it yields the raw terminal output as an infinite,
// non-restartable byte stream that ends with io.EOF once the terminal
// is gone. Process exit is not an error: the exit status is reported by
// [Process.ExitStatus] after [Process.Done] is closed.
//
// # Shell kinds
//
// The set of kinds is closed:
//
//   - [KindPOSIX]: a POSIX shell on a pseudo-terminal (creack/pty).
//   - [KindWindowsConsole]: a Windows shell on a pseudo console (ConPTY).
//   - [KindSubsystemBridge]: a shell reached through a bridge executable
//     such as wsl.exe, hosted on the platform's terminal backend.
//
// Each kind is provided by a [Backend]. A [Launcher] holds the backends
// available on this host; asking it for a kind without a usable backend
// fails with [ErrShellUnavailable]. The launcher never substitutes a
// different kind: callers that want a fallback ask [Launcher.HostDefault]
// and spawn again, and [Process.Kind] always reports the kind in use.
//
// # Security
//
//   - Command allow-list: [Launcher.Spawn] rejects shells that are not in
//     the configured allow-list (see [ValidateCommand]).
//   - Terminal dimensions are clamped to [MaxRows] x [MaxCols].
//   - Environment overrides with malformed keys are rejected.
package shell
