// ABOUTME: Package communicator multiplexes one socket between many goroutines.
// ABOUTME: Outbound messages are queued and replies are matched to futures by message id.

// Package communicator wraps a transport.Socket with a single watcher
// goroutine. Callers enqueue envelopes with Send or SendGetResponse and read
// unsolicited traffic with Receive; replies whose reply id matches a
// registered request resolve that request's Future instead.
package communicator
