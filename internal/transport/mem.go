// Package transport supplies concrete instances of the peer-to-peer
// NetworkSender collaborator spec.md §1 assumes and places out of
// scope: an in-memory transport for tests, and a framed net.Conn
// transport (framed.go) built in the same broker/connection style for
// an actual process boundary.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/qstorelabs/quorumstore/pkg/qstore"
	"github.com/qstorelabs/quorumstore/pkg/qstore/qmsg"
)

// Mem is an in-process NetworkSender: every peer registered on the
// same *Registry can reach every other peer without a socket. Used by
// integration tests that wire up several quorum store instances in
// one process.
type Mem struct {
	self PeerID
	reg  *Registry
}

type PeerID = qstore.PeerID

// Registry is the shared switchboard a set of Mem transports are
// registered against.
type Registry struct {
	mu    sync.RWMutex
	peers map[PeerID]chan qstore.InboundMessage
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[PeerID]chan qstore.InboundMessage)}
}

// Register creates a Mem transport for id and returns it along with
// the inbound channel the Network Listener (C6) should drain.
func (r *Registry) Register(id PeerID, inboxSize int) (*Mem, <-chan qstore.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan qstore.InboundMessage, inboxSize)
	r.peers[id] = ch
	return &Mem{self: id, reg: r}, ch
}

func decodeForDelivery(from PeerID, msg qstore.Message) qstore.InboundMessage {
	tag, v, err := qmsg.Decode(msg.Encode())
	if err != nil {
		// A message this process itself encoded should always decode;
		// a failure here means the Message implementation and qmsg's
		// tag switch have drifted out of sync.
		panic(fmt.Sprintf("transport: re-decoding locally encoded message failed: %v", err))
	}
	return qstore.InboundMessage{From: from, Tag: tag, Msg: v}
}

func (m *Mem) Send(ctx context.Context, to PeerID, msg qstore.Message) error {
	m.reg.mu.RLock()
	ch, ok := m.reg.peers[to]
	m.reg.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", to)
	}
	select {
	case ch <- decodeForDelivery(m.self, msg):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mem) Broadcast(ctx context.Context, msg qstore.Message) error {
	m.reg.mu.RLock()
	targets := make([]PeerID, 0, len(m.reg.peers))
	for id := range m.reg.peers {
		if id == m.self {
			continue
		}
		targets = append(targets, id)
	}
	m.reg.mu.RUnlock()
	for _, id := range targets {
		if err := m.Send(ctx, id, msg); err != nil {
			return err
		}
	}
	return nil
}
