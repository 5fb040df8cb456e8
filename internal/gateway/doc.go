// ABOUTME: Package gateway runs the rendezvous protocol for new clients.
// ABOUTME: It bridges the shared request/reply endpoint and the master's relay channel.

// Package gateway owns the well-known endpoint that new clients contact.
// After a herald/acknowledge exchange with the master it serves init
// requests by forwarding them over the relay and returning the master's
// answer, until the master sends ServerShuttingDown.
package gateway
