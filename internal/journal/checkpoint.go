package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/model"
)

var latestCheckpointKey = []byte("checkpoint/latest")

// LedgerCheckpoint is a point-in-time snapshot of the position ledger,
// tagged with the journal sequence number it reflects. Startup replays
// the journal strictly after Seq.
type LedgerCheckpoint struct {
	Seq              uint64           `json:"seq"`
	TakenAt          time.Time        `json:"taken_at"`
	Positions        []model.Position `json:"positions"`
	LossAccruedToday decimal.Decimal  `json:"loss_accrued_today"`
	Day              string           `json:"day"` // YYYY-MM-DD of the daily counters

	// AppliedFills carries the fill dedup set: a duplicate fill journaled
	// after this checkpoint must still replay as a duplicate.
	AppliedFills []string `json:"applied_fills,omitempty"`
}

// CheckpointStore persists ledger checkpoints in BadgerDB.
type CheckpointStore struct {
	db  *badger.DB
	log *zap.Logger
}

// OpenCheckpointStore opens (or creates) the checkpoint database.
func OpenCheckpointStore(log *zap.Logger, dir string) (*CheckpointStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &CheckpointStore{db: db, log: log}, nil
}

// Save writes a checkpoint and moves the latest pointer to it.
func (s *CheckpointStore) Save(cp LedgerCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(checkpointKey(cp.Seq), data); err != nil {
			return err
		}
		return txn.Set(latestCheckpointKey, data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist checkpoint at seq %d: %w", cp.Seq, err)
	}
	s.log.Info("ledger checkpoint saved",
		zap.Uint64("seq", cp.Seq),
		zap.Int("positions", len(cp.Positions)))
	return nil
}

// Latest returns the most recent checkpoint, or ok=false when the store
// is empty (fresh install: replay the whole journal).
func (s *CheckpointStore) Latest() (LedgerCheckpoint, bool, error) {
	var cp LedgerCheckpoint
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestCheckpointKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return LedgerCheckpoint{}, false, fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	return cp, found, nil
}

// Close closes the underlying database.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func checkpointKey(seq uint64) []byte {
	key := make([]byte, 0, 19)
	key = append(key, []byte("checkpoint/")...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}
