// ABOUTME: Package master implements the server's coordinating loop.
// ABOUTME: It owns the client registry, the broadcast channel and the gateway goroutine.

// Package master runs the server side of ksync. Start binds the internal
// relay and broadcast endpoints and launches the gateway; Serve then polls
// the relay for handoffs and every registered client for requests, one
// iteration at a time, until a client asks it to stop or its context ends.
//
// Fatal failures carry a process exit code; see StartupError.
package master
