// Package client is the library side of a KSync client.
//
// Dial performs the gateway rendezvous: it proposes random client ids until
// the master accepts one, then connects a pair socket to the private client
// endpoint and a subscriber to the broadcast endpoint. The resulting Session
// issues typed requests (Echo, Execute, Shutdown) over a communicator and
// retransmits a request with the same message id when no reply arrives in
// time, which the master answers from its replay cache.
//
// Broadcast messages such as ServerShuttingDown are delivered to every
// Notices subscriber. Subscribers that fall behind lose notices rather than
// blocking the session.
package client
