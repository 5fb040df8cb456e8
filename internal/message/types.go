// ABOUTME: Message variants, their type tags and payload encodings.
// ABOUTME: All integers are little-endian; strings are u64 length-prefixed.

package message

import (
	"github.com/2389/ksync/internal/wire"
)

// Type tags. The numbering is part of the wire contract.
const (
	TypeCommunicableObject       wire.Type = 0
	TypeSimple                   wire.Type = 1
	TypeData                     wire.Type = 2
	TypeString                   wire.Type = 3
	TypeGatewayInitRequest       wire.Type = 4
	TypeGatewayChangeID          wire.Type = 5
	TypeClientSocketCreation     wire.Type = 6
	TypeSocketConnectHerald      wire.Type = 7
	TypeSocketConnectAcknowledge wire.Type = 8
	TypeShutdownRequest          wire.Type = 9
	TypeShutdownAck              wire.Type = 10
	TypeServerShuttingDown       wire.Type = 11
	TypeExecuteCommand           wire.Type = 12
	TypeCommandOutput            wire.Type = 13
)

var typeNames = map[wire.Type]string{
	TypeCommunicableObject:       "CommunicableObject",
	TypeSimple:                   "Simple",
	TypeData:                     "Data",
	TypeString:                   "String",
	TypeGatewayInitRequest:       "GatewayInitRequest",
	TypeGatewayChangeID:          "GatewayChangeId",
	TypeClientSocketCreation:     "ClientSocketCreation",
	TypeSocketConnectHerald:      "SocketConnectHerald",
	TypeSocketConnectAcknowledge: "SocketConnectAcknowledge",
	TypeShutdownRequest:          "ShutdownRequest",
	TypeShutdownAck:              "ShutdownAck",
	TypeServerShuttingDown:       "ServerShuttingDown",
	TypeExecuteCommand:           "ExecuteCommand",
	TypeCommandOutput:            "CommandOutput",
	wire.YieldType:               "Yield",
}

// TypeName returns a human readable name for a tag, for logs.
func TypeName(t wire.Type) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Message is implemented by every catalog variant.
type Message interface {
	Type() wire.Type
	encode() []byte
}

// Simple carries no payload.
type Simple struct{}

// Data carries opaque bytes.
type Data struct {
	Bytes []byte
}

// String carries a byte string. The master echoes it back unchanged.
type String struct {
	Text string
}

// GatewayInitRequest asks the master for a dedicated socket for ClientID.
type GatewayInitRequest struct {
	ClientID uint64
}

// GatewayChangeID tells a client its id collided and it must pick another.
type GatewayChangeID struct{}

// ClientSocketCreation hands a client its private and broadcast endpoints.
type ClientSocketCreation struct {
	ClientURL    string
	BroadcastURL string
}

// SocketConnectHerald is sent by the gateway once its relay socket is connected.
type SocketConnectHerald struct{}

// SocketConnectAcknowledge answers the herald.
type SocketConnectAcknowledge struct{}

// ShutdownRequest asks the master to stop.
type ShutdownRequest struct{}

// ShutdownAck confirms a ShutdownRequest.
type ShutdownAck struct{}

// ServerShuttingDown is broadcast to clients and relayed to the gateway on shutdown.
type ServerShuttingDown struct{}

// ExecuteCommand asks the master to run a shell command.
type ExecuteCommand struct {
	Command string
}

// CommandOutput is the result of an ExecuteCommand.
type CommandOutput struct {
	Stdout     string
	Stderr     string
	ReturnCode int32
}

func (Simple) Type() wire.Type                   { return TypeSimple }
func (Data) Type() wire.Type                     { return TypeData }
func (String) Type() wire.Type                   { return TypeString }
func (GatewayInitRequest) Type() wire.Type       { return TypeGatewayInitRequest }
func (GatewayChangeID) Type() wire.Type          { return TypeGatewayChangeID }
func (ClientSocketCreation) Type() wire.Type     { return TypeClientSocketCreation }
func (SocketConnectHerald) Type() wire.Type      { return TypeSocketConnectHerald }
func (SocketConnectAcknowledge) Type() wire.Type { return TypeSocketConnectAcknowledge }
func (ShutdownRequest) Type() wire.Type          { return TypeShutdownRequest }
func (ShutdownAck) Type() wire.Type              { return TypeShutdownAck }
func (ServerShuttingDown) Type() wire.Type       { return TypeServerShuttingDown }
func (ExecuteCommand) Type() wire.Type           { return TypeExecuteCommand }
func (CommandOutput) Type() wire.Type            { return TypeCommandOutput }

func (Simple) encode() []byte                   { return nil }
func (GatewayChangeID) encode() []byte          { return nil }
func (SocketConnectHerald) encode() []byte      { return nil }
func (SocketConnectAcknowledge) encode() []byte { return nil }
func (ShutdownRequest) encode() []byte          { return nil }
func (ShutdownAck) encode() []byte              { return nil }
func (ServerShuttingDown) encode() []byte       { return nil }

func (m Data) encode() []byte           { return m.Bytes }
func (m String) encode() []byte         { return []byte(m.Text) }
func (m ExecuteCommand) encode() []byte { return []byte(m.Command) }

func (m GatewayInitRequest) encode() []byte {
	var w writer
	w.u64(m.ClientID)
	return w.buf
}

func (m ClientSocketCreation) encode() []byte {
	return EncodeStrings([]string{m.ClientURL, m.BroadcastURL})
}

func (m CommandOutput) encode() []byte {
	var w writer
	w.str(m.Stdout)
	w.str(m.Stderr)
	w.i32(m.ReturnCode)
	return w.buf
}
