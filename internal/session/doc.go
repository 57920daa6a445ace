// Package session owns the lifecycle of shell sessions.
//
// A [Registry] creates sessions, routes input to their shell process,
// records submitted commands and tears sessions down. Each [Session]
// owns exactly one shell process while active and one
// [stream.Pipeline] for its whole life; the pipeline's sequence counter
// survives process respawns and server restarts.
//
// Lifecycle:
//  1. Create spawns the shell, status=active.
//  2. The shell dies or a write fails: the connection layer calls
//     Respawn, status=paused until the new process is running.
//  3. Terminate (user, idle sweep, exhausted recovery budget or clean
//     exit): status=terminated, the session leaves the registry.
//
// Shutdown stops every process but leaves the sessions active in the
// [Store]; Restore brings them back with a fresh shell on the next start.
//
// Command completion is best-effort: a command is complete when the next
// one is submitted or the process ends. Nothing parses prompts.
package session
