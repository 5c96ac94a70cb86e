// Package ledger holds the authoritative record of open positions and P&L.
// A single goroutine owns all mutable state; every read and write goes
// through its command channel, so readers always observe a consistent
// point-in-time snapshot and writers never race.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/journal"
	"github.com/meridianx/execpipe/internal/model"
)

var (
	// ErrDuplicateFill is returned when a fill ID has already been applied.
	// Replay after restart hits this constantly; it is not a fault.
	ErrDuplicateFill = errors.New("duplicate fill")

	// ErrInconsistent indicates ledger/log corruption. Fatal: the process
	// must stop admitting orders pending manual audit.
	ErrInconsistent = errors.New("ledger inconsistent")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
)

// Snapshot is a consistent point-in-time view of the ledger.
type Snapshot struct {
	Positions         map[string]model.Position
	OpenPositionCount int
	LossAccruedToday  decimal.Decimal
	Equity            decimal.Decimal
	Day               string
	TakenAt           time.Time
}

// Position returns the position for symbol, zero-valued when flat.
func (s Snapshot) Position(symbol string) model.Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return model.Position{Symbol: symbol, NetQuantity: decimal.Zero}
}

type cmdKind int

const (
	cmdApplyFill cmdKind = iota
	cmdSnapshot
	cmdMark
	cmdResetDaily
	cmdRestore
	cmdCheckpoint
)

type command struct {
	kind  cmdKind
	fill  model.FillEvent
	mark  markUpdate
	cp    journal.LedgerCheckpoint
	seq   uint64
	reply chan reply
}

type markUpdate struct {
	symbol string
	price  decimal.Decimal
}

type reply struct {
	snap Snapshot
	cp   journal.LedgerCheckpoint
	err  error
}

// Ledger is the single-writer position ledger.
type Ledger struct {
	cmds   chan command
	quit   chan struct{}
	done   chan struct{}
	log    *zap.Logger
	baseEq decimal.Decimal

	// State below is owned exclusively by the run goroutine.
	positions    map[string]*model.Position
	marks        map[string]decimal.Decimal
	appliedFills map[string]struct{}
	lossAccrued  decimal.Decimal
	realizedAll  decimal.Decimal
	day          string
}

// New creates and starts a ledger with the given base portfolio equity.
func New(log *zap.Logger, baseEquity decimal.Decimal) *Ledger {
	l := &Ledger{
		cmds:         make(chan command),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		log:          log,
		baseEq:       baseEquity,
		positions:    make(map[string]*model.Position),
		marks:        make(map[string]decimal.Decimal),
		appliedFills: make(map[string]struct{}),
		lossAccrued:  decimal.Zero,
		realizedAll:  decimal.Zero,
		day:          dayKey(time.Now()),
	}
	go l.run()
	return l
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case cmd := <-l.cmds:
			switch cmd.kind {
			case cmdApplyFill:
				cmd.reply <- reply{err: l.applyFill(cmd.fill)}
			case cmdSnapshot:
				cmd.reply <- reply{snap: l.snapshot()}
			case cmdMark:
				l.applyMark(cmd.mark)
				cmd.reply <- reply{}
			case cmdResetDaily:
				l.resetDaily()
				cmd.reply <- reply{}
			case cmdRestore:
				cmd.reply <- reply{err: l.restore(cmd.cp)}
			case cmdCheckpoint:
				cmd.reply <- reply{cp: l.checkpoint(cmd.seq)}
			}
		case <-l.quit:
			return
		}
	}
}

func (l *Ledger) send(cmd command) reply {
	select {
	case l.cmds <- cmd:
		return <-cmd.reply
	case <-l.done:
		return reply{err: ErrClosed}
	}
}

// ApplyFill applies a committed fill to the ledger. Idempotent by
// FillEvent.FillID: replaying the same fill returns ErrDuplicateFill and
// changes nothing.
func (l *Ledger) ApplyFill(fill model.FillEvent) error {
	r := l.send(command{kind: cmdApplyFill, fill: fill, reply: make(chan reply, 1)})
	return r.err
}

// Snapshot returns a consistent copy of all positions and daily counters.
func (l *Ledger) Snapshot() Snapshot {
	r := l.send(command{kind: cmdSnapshot, reply: make(chan reply, 1)})
	return r.snap
}

// UpdateMark records the latest mark price for unrealized P&L.
func (l *Ledger) UpdateMark(symbol string, price decimal.Decimal) {
	l.send(command{kind: cmdMark, mark: markUpdate{symbol: symbol, price: price}, reply: make(chan reply, 1)})
}

// ResetDailyCounters zeroes per-day loss accumulation at the daily
// boundary. This is the only path that ever decreases LossAccruedToday.
func (l *Ledger) ResetDailyCounters() {
	l.send(command{kind: cmdResetDaily, reply: make(chan reply, 1)})
}

// Restore replaces ledger state from a checkpoint, prior to journal replay.
func (l *Ledger) Restore(cp journal.LedgerCheckpoint) error {
	r := l.send(command{kind: cmdRestore, cp: cp, reply: make(chan reply, 1)})
	return r.err
}

// Checkpoint captures the current state for the checkpoint store,
// including the applied-fill set so restored ledgers keep deduplicating.
func (l *Ledger) Checkpoint(seq uint64) journal.LedgerCheckpoint {
	r := l.send(command{kind: cmdCheckpoint, seq: seq, reply: make(chan reply, 1)})
	return r.cp
}

// Close stops the run loop. Later callers receive ErrClosed.
func (l *Ledger) Close() {
	close(l.quit)
	<-l.done
}

func (l *Ledger) applyFill(fill model.FillEvent) error {
	if fill.FillID == "" {
		return fmt.Errorf("%w: fill without fill_id for order %s", ErrInconsistent, fill.OrderID)
	}
	if _, seen := l.appliedFills[fill.FillID]; seen {
		return fmt.Errorf("%w: %s", ErrDuplicateFill, fill.FillID)
	}
	if fill.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: non-positive fill quantity %s", ErrInconsistent, fill.Quantity)
	}

	pos, ok := l.positions[fill.Symbol]
	if !ok {
		pos = &model.Position{
			Symbol:            fill.Symbol,
			NetQuantity:       decimal.Zero,
			AverageEntryPrice: decimal.Zero,
			RealizedPnLToday:  decimal.Zero,
		}
		l.positions[fill.Symbol] = pos
	}

	signedQty := fill.Quantity
	if fill.Side == model.OrderSideSell {
		signedQty = signedQty.Neg()
	}

	realized := l.applyToPosition(pos, signedQty, fill.Price)
	if realized.IsNegative() {
		// Losses only ever accrue; profits never claw the counter back.
		l.lossAccrued = l.lossAccrued.Add(realized.Neg())
	}
	l.realizedAll = l.realizedAll.Add(realized)
	pos.RealizedPnLToday = pos.RealizedPnLToday.Add(realized)

	l.appliedFills[fill.FillID] = struct{}{}
	l.refreshUnrealized(pos)

	if pos.NetQuantity.IsZero() {
		pos.AverageEntryPrice = decimal.Zero
		pos.UnrealizedPnL = decimal.Zero
	}
	return nil
}

// applyToPosition updates net quantity and average entry, returning the
// realized P&L of any closed portion.
func (l *Ledger) applyToPosition(pos *model.Position, signedQty, price decimal.Decimal) decimal.Decimal {
	realized := decimal.Zero
	prev := pos.NetQuantity

	switch {
	case prev.IsZero() || prev.Sign() == signedQty.Sign():
		// Opening or adding: weighted average entry.
		total := prev.Abs().Add(signedQty.Abs())
		if total.IsPositive() {
			pos.AverageEntryPrice = pos.AverageEntryPrice.Mul(prev.Abs()).
				Add(price.Mul(signedQty.Abs())).
				Div(total)
		}
		pos.NetQuantity = prev.Add(signedQty)

	default:
		// Reducing or flipping.
		closeQty := decimal.Min(prev.Abs(), signedQty.Abs())
		perUnit := price.Sub(pos.AverageEntryPrice)
		if prev.IsNegative() {
			perUnit = perUnit.Neg()
		}
		realized = perUnit.Mul(closeQty)
		pos.NetQuantity = prev.Add(signedQty)
		if pos.NetQuantity.Sign() != 0 && pos.NetQuantity.Sign() != prev.Sign() {
			// Flipped through flat: the residue opens at the fill price.
			pos.AverageEntryPrice = price
		}
	}
	return realized
}

func (l *Ledger) applyMark(m markUpdate) {
	l.marks[m.symbol] = m.price
	if pos, ok := l.positions[m.symbol]; ok {
		l.refreshUnrealized(pos)
	}
}

func (l *Ledger) refreshUnrealized(pos *model.Position) {
	mark, ok := l.marks[pos.Symbol]
	if !ok || pos.NetQuantity.IsZero() {
		return
	}
	pos.UnrealizedPnL = mark.Sub(pos.AverageEntryPrice).Mul(pos.NetQuantity)
}

func (l *Ledger) resetDaily() {
	l.lossAccrued = decimal.Zero
	l.day = dayKey(time.Now())
	for _, pos := range l.positions {
		pos.RealizedPnLToday = decimal.Zero
	}
	l.log.Info("ledger daily counters reset", zap.String("day", l.day))
}

func (l *Ledger) restore(cp journal.LedgerCheckpoint) error {
	l.positions = make(map[string]*model.Position, len(cp.Positions))
	for _, p := range cp.Positions {
		pos := p
		l.positions[p.Symbol] = &pos
	}
	l.appliedFills = make(map[string]struct{}, len(cp.AppliedFills))
	for _, id := range cp.AppliedFills {
		l.appliedFills[id] = struct{}{}
	}
	l.lossAccrued = cp.LossAccruedToday
	l.day = cp.Day
	l.log.Info("ledger restored from checkpoint",
		zap.Uint64("seq", cp.Seq),
		zap.Int("positions", len(cp.Positions)),
		zap.Int("applied_fills", len(cp.AppliedFills)))
	return nil
}

func (l *Ledger) checkpoint(seq uint64) journal.LedgerCheckpoint {
	positions := make([]model.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		positions = append(positions, *pos)
	}
	fills := make([]string, 0, len(l.appliedFills))
	for id := range l.appliedFills {
		fills = append(fills, id)
	}
	sort.Strings(fills)
	return journal.LedgerCheckpoint{
		Seq:              seq,
		TakenAt:          time.Now(),
		Positions:        positions,
		LossAccruedToday: l.lossAccrued,
		Day:              l.day,
		AppliedFills:     fills,
	}
}

func (l *Ledger) snapshot() Snapshot {
	positions := make(map[string]model.Position, len(l.positions))
	open := 0
	unrealized := decimal.Zero
	for sym, pos := range l.positions {
		positions[sym] = *pos
		if !pos.NetQuantity.IsZero() {
			open++
			unrealized = unrealized.Add(pos.UnrealizedPnL)
		}
	}
	return Snapshot{
		Positions:         positions,
		OpenPositionCount: open,
		LossAccruedToday:  l.lossAccrued,
		Equity:            l.baseEq.Add(l.realizedAll).Add(unrealized),
		Day:               l.day,
		TakenAt:           time.Now(),
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ReplayRecord applies one journal record during startup recovery.
// Only fill and daily-reset records mutate positions; order transitions
// are replayed by the coordinator's reconciler.
func (l *Ledger) ReplayRecord(rec journal.Record) error {
	switch rec.Type {
	case journal.RecordTypeFillApplied:
		if rec.Fill == nil {
			return fmt.Errorf("%w: fill record %d without payload", ErrInconsistent, rec.Seq)
		}
		err := l.ApplyFill(*rec.Fill)
		if errors.Is(err, ErrDuplicateFill) {
			return nil
		}
		return err
	case journal.RecordTypeDailyReset:
		l.ResetDailyCounters()
		return nil
	default:
		return nil
	}
}
