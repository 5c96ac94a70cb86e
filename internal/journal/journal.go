// Package journal implements the append-only order-event log that backs
// crash recovery. Every order state transition and applied fill is written
// here before the in-memory ledger is touched, so replay from the last
// checkpoint always reconstructs the pre-crash state.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/model"
)

// Record type constants
const (
	RecordTypeOrderTransition = "ORDER_TRANSITION"
	RecordTypeFillApplied     = "FILL_APPLIED"
	RecordTypeDailyReset      = "DAILY_RESET"
)

// Record is one journal entry. Seq is assigned by the journal and is
// strictly monotonic within a file.
type Record struct {
	Seq       uint64           `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Type      string           `json:"type"`
	OrderID   uuid.UUID        `json:"order_id,omitempty"`
	FromState model.OrderState `json:"from_state,omitempty"`
	ToState   model.OrderState `json:"to_state,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Order     *model.Order     `json:"order,omitempty"`
	Fill      *model.FillEvent `json:"fill,omitempty"`
}

// Journal is an append-only JSONL event log.
type Journal struct {
	filePath string
	file     *os.File
	writer   *bufio.Writer
	nextSeq  uint64
	mu       sync.Mutex
	log      *zap.Logger
}

// Open creates or opens a journal file and recovers the next sequence
// number from its tail.
func Open(log *zap.Logger, journalPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(journalPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(journalPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	j := &Journal{
		filePath: journalPath,
		file:     f,
		writer:   bufio.NewWriter(f),
		nextSeq:  1,
		log:      log,
	}
	if err := j.recoverSeq(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

// recoverSeq scans the journal for the highest sequence number written.
func (j *Journal) recoverSeq() error {
	f, err := os.Open(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to open journal for seq recovery: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn tail write is expected after a crash; everything
			// before it is still valid.
			j.log.Warn("skipping unparsable journal line during seq recovery",
				zap.Error(err))
			continue
		}
		if rec.Seq >= j.nextSeq {
			j.nextSeq = rec.Seq + 1
		}
	}
	return scanner.Err()
}

// Append assigns the next sequence number, writes the record, and flushes.
// The record is durable (at the OS level) before Append returns.
func (j *Journal) Append(rec *Record) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Seq = j.nextSeq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal journal record: %w", err)
	}
	if _, err := j.writer.Write(data); err != nil {
		return 0, err
	}
	if _, err := j.writer.WriteString("\n"); err != nil {
		return 0, err
	}
	if err := j.writer.Flush(); err != nil {
		return 0, err
	}
	j.nextSeq++
	return rec.Seq, nil
}

// LastSeq returns the sequence number of the most recent record.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq - 1
}

// Replay calls handler for every record with Seq > afterSeq, in order.
// The handler returns false to stop early.
func (j *Journal) Replay(afterSeq uint64, handler func(Record) (bool, error)) error {
	j.mu.Lock()
	if err := j.writer.Flush(); err != nil {
		j.mu.Unlock()
		return fmt.Errorf("failed to flush journal before replay: %w", err)
	}
	j.mu.Unlock()

	f, err := os.Open(j.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			j.log.Warn("skipping corrupted record during replay", zap.Error(err))
			continue
		}
		if rec.Seq <= afterSeq {
			continue
		}
		count++
		cont, err := handler(rec)
		if err != nil {
			return fmt.Errorf("replay handler failed at seq %d: %w", rec.Seq, err)
		}
		if !cont {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading journal during replay: %w", err)
	}
	j.log.Info("journal replay completed",
		zap.Uint64("after_seq", afterSeq),
		zap.Int("records", count))
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}
