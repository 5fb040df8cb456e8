// Package message is the typed catalog of everything ksync peers say to each
// other. Each variant owns a stable type tag and encodes to the payload of a
// wire.Envelope.
//
// The set of variants is closed: Message has an unexported method, so only the
// types in this package satisfy it and receivers dispatch with a type switch:
//
//	msg, err := message.Decode(env)
//	switch m := msg.(type) {
//	case message.String:
//	    ...
//	case message.ExecuteCommand:
//	    ...
//	}
//
// When the caller already knows what it expects, As checks the tag before
// decoding and fails with wire.ErrTypeMismatch otherwise:
//
//	ack, err := message.As[message.ShutdownAck](env)
package message
