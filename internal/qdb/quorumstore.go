package qdb

import (
	"fmt"

	"github.com/qstorelabs/quorumstore/internal/log"
	"github.com/qstorelabs/quorumstore/pkg/qstore"
)

// NewQuorumStore opens a bbolt-backed DB at path — compressing payload
// bytes with cfg.PersistCodec before they're written, the codec
// selection spec.md §6 describes as a Batch Store concern — then wires
// a full QuorumStore instance (C1–C7) around it. The returned close
// function shuts bbolt down; callers should defer it after a
// successful call.
func NewQuorumStore(cfg qstore.Config, self qstore.PeerID, epoch uint64, verifier *qstore.ValidatorVerifier, path string, net qstore.NetworkSender, inbound <-chan qstore.InboundMessage, signer qstore.Signer, metrics *qstore.Metrics, logger log.Logger) (*qstore.QuorumStore, *qstore.BatchReader, func() error, error) {
	db, err := Open(path, cfg.PersistCodec)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("qdb: open quorum store db: %w", err)
	}
	qs, reader := qstore.New(cfg, self, epoch, verifier, db, net, inbound, signer, metrics, logger)
	return qs, reader, db.Close, nil
}
