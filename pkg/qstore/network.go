package qstore

import (
	"context"

	"github.com/qstorelabs/quorumstore/pkg/qstore/qmsg"
)

// Message is re-exported so callers constructing a NetworkSender don't
// need to import qmsg directly.
type Message = qmsg.Message

// NetworkSender is the assumed peer-to-peer transport collaborator of
// spec.md §1: "assumed to provide reliable unicast and broadcast of
// typed messages." internal/transport supplies two concrete instances
// — a framed net.Conn transport and an in-memory transport for tests.
type NetworkSender interface {
	// Send unicasts msg to a single peer.
	Send(ctx context.Context, to PeerID, msg Message) error
	// Broadcast sends msg to every peer except the local node, the
	// same "broadcast_without_self" semantics the driver relies on for
	// fragment dissemination (spec.md §4.7).
	Broadcast(ctx context.Context, msg Message) error
}

// InboundMessage pairs a decoded message with the peer it arrived
// from, as delivered by a NetworkSender's companion receive loop into
// the Network Listener (C6).
type InboundMessage struct {
	From PeerID
	Tag  qmsg.Tag
	Msg  interface{}
}
