// ABOUTME: Per-client request handling for the master loop.
// ABOUTME: Echo, shutdown and command execution, plus optional eviction of failing clients.

package master

import (
	"context"
	"errors"

	"github.com/2389/ksync/internal/execution"
	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/registry"
	"github.com/2389/ksync/internal/store"
	"github.com/2389/ksync/internal/transport"
	"github.com/2389/ksync/internal/wire"
)

// pollClients gives every registered client one non-blocking receive.
func (m *Master) pollClients(ctx context.Context) {
	for _, c := range m.registry.Snapshot() {
		env, status := c.Socket.Receive()
		switch status {
		case transport.StatusSuccess:
			m.handleClient(ctx, c, env)
		case transport.StatusOther:
			m.logger.Warn("client receive failed", "client_id", c.ID)
			m.maybeEvict(ctx, c)
		}
	}
}

func (m *Master) handleClient(ctx context.Context, c *registry.Client, env *wire.Envelope) {
	msg, err := message.Decode(env)
	if err != nil {
		if errors.Is(err, message.ErrUnknownType) {
			m.logger.Warn("unsupported message type", "client_id", c.ID, "type", message.TypeName(env.Type()))
		} else {
			m.logger.Warn("dropping client message", "client_id", c.ID, "type", message.TypeName(env.Type()), "error", err)
		}
		return
	}

	switch msg := msg.(type) {
	case message.String:
		m.echoes.Add(1)
		m.replyTo(ctx, c, msg, env)

	case message.ShutdownRequest:
		m.logger.Info("shutdown requested", "client_id", c.ID)
		m.record(ctx, store.EventShutdownRequested, c.ID, env.MessageID(), nil)
		m.replyTo(ctx, c, message.ShutdownAck{}, env)
		m.finished.Store(true)

	case message.ExecuteCommand:
		out := m.execute(ctx, c, msg.Command, env.MessageID())
		m.replyTo(ctx, c, out, env)

	default:
		m.logger.Warn("unsupported message type", "client_id", c.ID, "type", message.TypeName(env.Type()))
	}
}

// execute runs command for client c, answering retransmissions of the same
// request from the replay cache.
func (m *Master) execute(ctx context.Context, c *registry.Client, command string, msgID wire.MessageID) message.CommandOutput {
	key := replayKey{clientID: c.ID, messageID: msgID}
	if m.replies != nil {
		if out, ok := m.replies.Get(key); ok {
			m.replays.Add(1)
			m.logger.Info("replaying command output", "client_id", c.ID, "message_id", msgID)
			m.record(ctx, store.EventCommandReplayed, c.ID, msgID, map[string]any{"command": command})
			return out
		}
	}

	m.commands.Add(1)
	m.logger.Info("executing command", "client_id", c.ID, "command", command)

	var out message.CommandOutput
	res, err := execution.Collect(ctx, m.executor, command)
	if err != nil {
		m.logger.Warn("command launch failed", "client_id", c.ID, "command", command, "error", err)
		out = message.CommandOutput{Stderr: err.Error(), ReturnCode: execution.RunningCode}
	} else {
		out = message.CommandOutput{
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			ReturnCode: int32(res.ReturnCode),
		}
	}

	if m.replies != nil {
		m.replies.Put(key, out)
	}
	m.record(ctx, store.EventCommandExecuted, c.ID, msgID, map[string]any{
		"command":     command,
		"return_code": out.ReturnCode,
	})
	return out
}

func (m *Master) replyTo(ctx context.Context, c *registry.Client, msg message.Message, req *wire.Envelope) {
	reply := m.encodeReply(msg, req)
	if reply == nil {
		return
	}
	status := c.Socket.Send(reply)
	if status == transport.StatusSuccess {
		return
	}
	m.logger.Warn("client reply failed",
		"client_id", c.ID,
		"type", message.TypeName(msg.Type()),
		"status", status.String(),
	)
	if status == transport.StatusOther {
		m.maybeEvict(ctx, c)
	}
}

// maybeEvict removes c when eviction is enabled. Otherwise the failing
// client stays registered.
func (m *Master) maybeEvict(ctx context.Context, c *registry.Client) {
	if !m.cfg.EvictOnError {
		return
	}
	m.evicted.Add(1)
	m.record(ctx, store.EventClientEvicted, c.ID, 0, map[string]any{"url": c.URL})
	if err := m.registry.Remove(c.ID); err != nil && !errors.Is(err, registry.ErrClientNotFound) {
		m.logger.Warn("closing evicted client socket", "client_id", c.ID, "error", err)
	}
}
