// Package telemetry buffers analytics events and performance samples and
// ships them to the collector in batches.
//
// A Batcher never loses or duplicates an item: a failed flush puts back only
// the snapshot items the live buffer does not already hold, in their
// original order. With a durable mirror the buffer also survives restarts.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/store"
)

// Mirror persists buffered items. *store.Store implements it.
type Mirror interface {
	AppendTelemetry(ctx context.Context, channel string, payload []byte) (int64, error)
	LoadTelemetry(ctx context.Context, channel string) ([]store.TelemetryRow, error)
	DeleteTelemetry(ctx context.Context, channel string, seqs []int64) error
}

type entry[T any] struct {
	seq       int64 // Buffer-local order, used for dedupe
	mirrorSeq int64 // 0 when not mirrored
	item      T
}

// Options configures a Batcher.
type Options struct {
	Channel  string        // Names the buffer in logs, metrics and the mirror
	Interval time.Duration // Periodic flush cadence
	Mirror   Mirror
	Monitor  *connectivity.Monitor // Nil means always online
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Batcher buffers items of type T.
//
// Thread-safety: all methods are safe for concurrent use.
type Batcher[T any] struct {
	sender Sender[T]
	opts   Options

	mu      sync.Mutex
	buf     []entry[T]
	nextSeq int64
	online  bool
	sending bool
	again   bool

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewBatcher creates a Batcher. Call Start to begin periodic flushing.
func NewBatcher[T any](sender Sender[T], opts Options) *Batcher[T] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Batcher[T]{
		sender: sender,
		opts:   opts,
		online: opts.Monitor == nil || opts.Monitor.Online(),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Track buffers item and, when online, dispatches a best-effort send.
func (b *Batcher[T]) Track(item T) {
	e := entry[T]{item: item}
	if b.opts.Mirror != nil {
		if payload, err := json.Marshal(item); err != nil {
			b.opts.Logger.Warn("telemetry encode failed", "channel", b.opts.Channel, "error", err)
		} else if seq, err := b.opts.Mirror.AppendTelemetry(b.ctx, b.opts.Channel, payload); err != nil {
			b.opts.Logger.Warn("telemetry mirror failed", "channel", b.opts.Channel, "error", err)
		} else {
			e.mirrorSeq = seq
		}
	}

	b.mu.Lock()
	b.nextSeq++
	e.seq = b.nextSeq
	b.buf = append(b.buf, e)
	n := len(b.buf)
	online := b.online
	b.mu.Unlock()

	b.opts.Metrics.SetBuffered(b.opts.Channel, n)
	if online {
		b.dispatch()
	}
}

// Len returns the number of buffered items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Buffered returns a copy of the buffered items in order.
func (b *Batcher[T]) Buffered() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.buf))
	for i, e := range b.buf {
		out[i] = e.item
	}
	return out
}

// Flush sends everything buffered as one batch. An empty buffer is a no-op.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	snapshot := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	batch := make([]T, len(snapshot))
	for i, e := range snapshot {
		batch[i] = e.item
	}

	if err := b.sender.Send(ctx, batch); err != nil {
		b.requeue(snapshot)
		b.opts.Metrics.Flushed(b.opts.Channel, "error")
		b.opts.Logger.Debug("telemetry flush failed", "channel", b.opts.Channel, "items", len(batch), "error", err)
		return err
	}

	b.opts.Metrics.Flushed(b.opts.Channel, "ok")
	b.opts.Metrics.SetBuffered(b.opts.Channel, b.Len())
	b.forget(ctx, snapshot)
	return nil
}

// requeue restores snapshot entries missing from the live buffer.
func (b *Batcher[T]) requeue(snapshot []entry[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := make(map[int64]struct{}, len(b.buf))
	for _, e := range b.buf {
		live[e.seq] = struct{}{}
	}
	merged := make([]entry[T], 0, len(snapshot)+len(b.buf))
	for _, e := range snapshot {
		if _, dup := live[e.seq]; !dup {
			merged = append(merged, e)
		}
	}
	merged = append(merged, b.buf...)
	slices.SortStableFunc(merged, func(a, c entry[T]) int {
		switch {
		case a.seq < c.seq:
			return -1
		case a.seq > c.seq:
			return 1
		}
		return 0
	})
	b.buf = merged
}

func (b *Batcher[T]) forget(ctx context.Context, sent []entry[T]) {
	if b.opts.Mirror == nil {
		return
	}
	seqs := make([]int64, 0, len(sent))
	for _, e := range sent {
		if e.mirrorSeq != 0 {
			seqs = append(seqs, e.mirrorSeq)
		}
	}
	if len(seqs) == 0 {
		return
	}
	if err := b.opts.Mirror.DeleteTelemetry(context.WithoutCancel(ctx), b.opts.Channel, seqs); err != nil {
		b.opts.Logger.Warn("telemetry mirror cleanup failed", "channel", b.opts.Channel, "error", err)
	}
}

// Restore loads items left in the mirror by a previous run, ahead of
// anything tracked since.
func (b *Batcher[T]) Restore(ctx context.Context) error {
	if b.opts.Mirror == nil {
		return nil
	}
	rows, err := b.opts.Mirror.LoadTelemetry(ctx, b.opts.Channel)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	known := make(map[int64]struct{}, len(b.buf))
	for _, e := range b.buf {
		if e.mirrorSeq != 0 {
			known[e.mirrorSeq] = struct{}{}
		}
	}
	restored := make([]entry[T], 0, len(rows))
	for _, row := range rows {
		if _, ok := known[row.Seq]; ok {
			continue
		}
		var item T
		if err := json.Unmarshal(row.Payload, &item); err != nil {
			b.opts.Logger.Warn("skipping undecodable telemetry row", "channel", b.opts.Channel, "seq", row.Seq, "error", err)
			continue
		}
		restored = append(restored, entry[T]{mirrorSeq: row.Seq, item: item})
	}
	// Restored items go first: renumber everything so seq order matches.
	all := append(restored, b.buf...)
	for i := range all {
		all[i].seq = int64(i + 1)
	}
	b.buf = all
	b.nextSeq = int64(len(all))
	return nil
}

// Start restores the mirror, starts the periodic flush and follows
// connectivity: offline suspends immediate sends, online flushes at once.
func (b *Batcher[T]) Start(ctx context.Context) error {
	if err := b.Restore(ctx); err != nil {
		b.opts.Logger.Warn("telemetry restore failed", "channel", b.opts.Channel, "error", err)
	}

	if b.opts.Monitor != nil {
		unsub := b.opts.Monitor.Subscribe(b.setOnline)
		b.mu.Lock()
		b.unsubscribe = unsub
		b.mu.Unlock()
	}

	if b.opts.Interval > 0 {
		b.wg.Add(1)
		go b.loop()
	}
	return nil
}

func (b *Batcher[T]) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.isOnline() {
				_ = b.Flush(b.ctx)
			}
		}
	}
}

// Close stops the ticker, unsubscribes and flushes one last time.
func (b *Batcher[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	unsub := b.unsubscribe
	b.unsubscribe = nil
	b.cancel()
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	b.wg.Wait()

	if !b.isOnline() {
		return nil
	}
	return b.Flush(ctx)
}

func (b *Batcher[T]) setOnline(online bool) {
	b.mu.Lock()
	b.online = online
	b.mu.Unlock()
	if online {
		b.dispatch()
	}
}

func (b *Batcher[T]) isOnline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// dispatch runs an asynchronous flush. A dispatch during a running send is
// folded into one more flush after it.
func (b *Batcher[T]) dispatch() {
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	if b.sending {
		b.again = true
		b.mu.Unlock()
		return
	}
	b.sending = true
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			err := b.Flush(b.ctx)

			b.mu.Lock()
			if err != nil || !b.again || !b.online || b.ctx.Err() != nil {
				b.sending = false
				b.again = false
				b.mu.Unlock()
				return
			}
			b.again = false
			b.mu.Unlock()
		}
	}()
}
