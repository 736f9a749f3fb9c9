// Package broadcast fans an encoded event out to a set of live connections.
// Delivery is best-effort: each target is written independently, a failed
// write is logged and counted but never aborts the remaining targets or
// reaches the caller. There is no queue, acknowledgement or replay.
package broadcast

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/presence"
)

// DefaultConcurrency bounds the number of in-flight writes per broadcast.
const DefaultConcurrency = 64

// Broadcaster delivers frames to presence handles.
type Broadcaster struct {
	concurrency int
}

// New creates a Broadcaster that issues at most concurrency writes at a
// time for a single broadcast. Non-positive values use DefaultConcurrency.
func New(concurrency int) *Broadcaster {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Broadcaster{concurrency: concurrency}
}

// Broadcast writes data to every target concurrently and returns once each
// write has completed or failed. Duplicate handles are written once. The
// per-write deadline belongs to the transport; ctx only stops scheduling of
// writes that have not started yet.
func (b *Broadcaster) Broadcast(ctx context.Context, data []byte, targets []presence.Handle) {
	if len(targets) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(targets))
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for _, h := range targets {
		sid := h.SessionID()
		if _, dup := seen[sid]; dup {
			continue
		}
		seen[sid] = struct{}{}

		if ctx.Err() != nil {
			metrics.Deliveries.WithLabelValues("skipped").Inc()
			continue
		}

		h := h
		g.Go(func() error {
			if err := h.Send(data); err != nil {
				log.Printf("[broadcast] delivery failed session=%s: %v", h.SessionID(), err)
				metrics.Deliveries.WithLabelValues("failed").Inc()
				return nil
			}
			metrics.Deliveries.WithLabelValues("ok").Inc()
			return nil
		})
	}

	_ = g.Wait()
}

// Send writes data to a single handle, logging a failure. It is the unicast
// form used for replies to the requesting connection.
func Send(h presence.Handle, data []byte) {
	if err := h.Send(data); err != nil {
		log.Printf("[broadcast] reply failed session=%s: %v", h.SessionID(), err)
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return
	}
	metrics.Deliveries.WithLabelValues("ok").Inc()
}
