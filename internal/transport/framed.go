package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/qstorelabs/quorumstore/internal/log"
	"github.com/qstorelabs/quorumstore/pkg/qstore"
	"github.com/qstorelabs/quorumstore/pkg/qstore/qmsg"
)

// A frame is a 4-byte big-endian length prefix followed by a
// qmsg-tagged, qbin-encoded message body, the same framing shape the
// teacher uses for its own request/response bodies over net.Conn.
const maxFrameSize = 64 << 20 // 64 MiB; generous over max_batch_size

type outbound struct {
	msg  qstore.Message
	done chan error
}

// peerConn manages one outbound connection to a peer: a single writer
// goroutine serializes sends. Nothing reads from this connection;
// inbound frames arrive only on connections handed to ServeConn.
type peerConn struct {
	addr string
	out  chan outbound
	dead int32
}

// Framed is a NetworkSender over plain TCP connections, one per peer,
// each framed with a 4-byte length prefix. It is the "actual process
// boundary" concrete instance of the assumed peer transport collaborator
// (spec.md §1); Mem (mem.go) is the in-process stand-in used by tests.
type Framed struct {
	self   qstore.PeerID
	log    log.Logger
	dialFn func(ctx context.Context, addr string) (net.Conn, error)

	mu    sync.Mutex
	peers map[qstore.PeerID]*peerConn

	inbound chan qstore.InboundMessage
}

// NewFramed constructs a Framed transport. dialFn defaults to
// net.Dialer.DialContext over tcp if nil.
func NewFramed(self qstore.PeerID, logger log.Logger, inboxSize int, dialFn func(ctx context.Context, addr string) (net.Conn, error)) *Framed {
	if logger == nil {
		logger = log.Nop{}
	}
	if dialFn == nil {
		var d net.Dialer
		dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Framed{
		self:    self,
		log:     logger.With("transport"),
		dialFn:  dialFn,
		peers:   make(map[qstore.PeerID]*peerConn),
		inbound: make(chan qstore.InboundMessage, inboxSize),
	}
}

// Inbound returns the channel the Network Listener (C6) should drain.
func (f *Framed) Inbound() <-chan qstore.InboundMessage { return f.inbound }

// AddPeer registers a peer's dial address. Connections are opened
// lazily on first send.
func (f *Framed) AddPeer(id qstore.PeerID, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.peers[id]; ok {
		return
	}
	pc := &peerConn{addr: addr, out: make(chan outbound, 16)}
	f.peers[id] = pc
	go f.runPeer(id, pc)
}

// ServeConn takes ownership of an accepted inbound connection,
// decoding frames from it directly onto the shared inbound channel
// until it errors or is closed.
func (f *Framed) ServeConn(conn net.Conn) {
	go f.readLoop(conn)
}

func (f *Framed) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				f.log.Log(log.LevelWarn, "peer connection read failed", "err", err)
			}
			return
		}
		tag, v, err := qmsg.Decode(frame)
		if err != nil {
			f.log.Log(log.LevelWarn, "dropping undecodable frame", "err", err)
			continue
		}
		from := senderOf(v)
		f.inbound <- qstore.InboundMessage{From: from, Tag: tag, Msg: v}
	}
}

func senderOf(v interface{}) qstore.PeerID {
	switch m := v.(type) {
	case *qmsg.Fragment:
		return m.Author
	case *qmsg.SignedDigest:
		return m.Signer
	case *qmsg.BatchResponse:
		return m.Author
	default:
		return qstore.PeerID{}
	}
}

func (f *Framed) runPeer(id qstore.PeerID, pc *peerConn) {
	var conn net.Conn
	for ob := range pc.out {
		if conn == nil {
			c, err := f.dialFn(context.Background(), pc.addr)
			if err != nil {
				f.log.Log(log.LevelWarn, "unable to dial peer", "peer", id.String(), "addr", pc.addr, "err", err)
				ob.done <- fmt.Errorf("transport: dial %s: %w", pc.addr, err)
				continue
			}
			conn = c
		}
		err := writeFrame(conn, ob.msg.Encode())
		if err != nil {
			f.log.Log(log.LevelWarn, "write to peer failed, will redial", "peer", id.String(), "err", err)
			conn.Close()
			conn = nil
		}
		ob.done <- err
	}
	if conn != nil {
		conn.Close()
	}
	atomic.StoreInt32(&pc.dead, 1)
}

func (f *Framed) Send(ctx context.Context, to qstore.PeerID, msg qstore.Message) error {
	f.mu.Lock()
	pc, ok := f.peers[to]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", to.String())
	}
	done := make(chan error, 1)
	select {
	case pc.out <- outbound{msg: msg, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Framed) Broadcast(ctx context.Context, msg qstore.Message) error {
	f.mu.Lock()
	targets := make([]qstore.PeerID, 0, len(f.peers))
	for id := range f.peers {
		if id == f.self {
			continue
		}
		targets = append(targets, id)
	}
	f.mu.Unlock()
	for _, id := range targets {
		if err := f.Send(ctx, id, msg); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(body), maxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
