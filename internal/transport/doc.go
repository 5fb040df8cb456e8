// Package transport is the socket capability ksync is written against.
//
// Components only see the Socket interface: bind or connect to a URL, send
// and receive whole envelopes with timeouts, and get a Status back instead of
// an error. Two backends implement it:
//
//   - ZMQFactory, ZeroMQ sockets from github.com/go-zeromq/zmq4, for real
//     deployments over ipc://, tcp:// and inproc:// endpoints
//   - Hub, an in-process backend with the same delivery rules, used by tests
//     and embedded setups
//
// Roles follow ZeroMQ: Req/Rep for the gateway rendezvous, Pair for the
// relay and per-client channels, Pub/Sub for server broadcasts.
package transport
