package adapters

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/model"
)

const (
	streamReadTimeout    = 60 * time.Second
	streamBackoffInitial = 500 * time.Millisecond
	streamBackoffMax     = 30 * time.Second
)

// fillStream is the reconnecting websocket loop shared by every venue's
// StreamFills. Venues provide the dial URL, a subscribe step, and a
// message parser; the loop owns reconnection and backoff.
type fillStream struct {
	venue     string
	url       string
	subscribe func(conn *websocket.Conn) error
	parse     func(msg []byte) ([]model.FillEvent, error)
	logger    *zap.Logger
}

// run returns a channel of fills that stays open across disconnects and
// closes only when ctx is done.
func (s *fillStream) run(ctx context.Context) <-chan model.FillEvent {
	out := make(chan model.FillEvent, 256)
	go func() {
		defer close(out)
		backoff := streamBackoffInitial
		for ctx.Err() == nil {
			if err := s.consumeOnce(ctx, out); err != nil && ctx.Err() == nil {
				s.logger.Warn("fill stream disconnected, reconnecting",
					zap.String("venue", s.venue),
					zap.Duration("backoff", backoff),
					zap.Error(err))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff *= 2
				if backoff > streamBackoffMax {
					backoff = streamBackoffMax
				}
				continue
			}
			backoff = streamBackoffInitial
		}
	}()
	return out
}

// consumeOnce runs a single connection until it fails or ctx is done.
func (s *fillStream) consumeOnce(ctx context.Context, out chan<- model.FillEvent) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if s.subscribe != nil {
		if err := s.subscribe(conn); err != nil {
			return err
		}
	}

	// Unblock the read when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		fills, err := s.parse(msg)
		if err != nil {
			s.logger.Warn("unparsable fill stream message",
				zap.String("venue", s.venue),
				zap.String("payload", Redact(string(msg))),
				zap.Error(err))
			continue
		}
		for _, fill := range fills {
			select {
			case out <- fill:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
