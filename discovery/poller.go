// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery detects newly published remote signals in a
// rendezvous room without the caller polling manually.
//
// The [Poller] fetches the room's blob list on a fixed interval
// (immediately on start, then every tick), diffs it against the set of
// blobs already seen, excludes the caller's own published blob, and
// emits each remaining blob exactly once. Transient store failures are
// logged and absorbed: the loop simply retries on the next tick.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/signalstore"
)

// DefaultInterval is the poll period when the config does not set one.
const DefaultInterval = 5 * time.Second

// Config configures a Poller.
type Config struct {
	// Store is the rendezvous store to poll. Required.
	Store signalstore.Store

	// Room is the rendezvous room ID. Required.
	Room string

	// OnPeer receives each newly discovered blob, once per distinct
	// blob for the Poller's lifetime. Called from the poll goroutine;
	// implementations must not block for long or later discoveries
	// and ticks back up behind them. Required.
	OnPeer func(blob []byte)

	// Interval is the poll period. Zero means DefaultInterval.
	Interval time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Poller is the discovery loop for one rendezvous room. Seen blobs are
// tracked by BLAKE3 digest, so membership cost is independent of blob
// size and equality is exact byte equality. The seen set grows
// monotonically and is discarded with the Poller.
//
// Start is idempotent and Stop is final: a stopped Poller never polls
// again and cannot be restarted.
type Poller struct {
	store    signalstore.Store
	room     string
	interval time.Duration
	clk      clock.Clock
	logger   *slog.Logger
	onPeer   func(blob []byte)

	mu      sync.Mutex
	seen    map[[32]byte]struct{}
	own     [32]byte
	hasOwn  bool
	started bool
	stopped bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	pollCount atomic.Uint64
}

// New creates a Poller. It does not poll until Start is called.
func New(cfg Config) (*Poller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("discovery: Config.Store is required")
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("discovery: Config.Room is required")
	}
	if cfg.OnPeer == nil {
		return nil, fmt.Errorf("discovery: Config.OnPeer is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Poller{
		store:    cfg.Store,
		room:     cfg.Room,
		interval: cfg.Interval,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		onPeer:   cfg.OnPeer,
		seen:     make(map[[32]byte]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetOwn records the caller's own published blob so the loop never
// reports it as a discovered peer, even when the store briefly
// reflects the caller's own write. May be called before or after
// Start, and again if the blob changes.
func (p *Poller) SetOwn(blob []byte) {
	digest := blake3.Sum256(blob)
	p.mu.Lock()
	p.own = digest
	p.hasOwn = true
	p.mu.Unlock()
}

// Start launches the poll loop: one immediate poll, then one per
// interval until Stop or ctx cancellation. Calling Start again is a
// no-op; a second timer is never created.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop cancels the poll loop. After Stop returns no new poll is
// issued; a poll already in flight may still complete. Idempotent, and
// valid before Start (the Poller then never polls at all).
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	wasStarted := p.started
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stop) })
	if !wasStarted {
		// The loop never ran, so nothing else will mark it done.
		p.doneOnce.Do(func() { close(p.done) })
	}
}

// Done returns a channel closed when the poll loop has fully exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// PollCount returns the number of polls issued so far.
func (p *Poller) PollCount() uint64 {
	return p.pollCount.Load()
}

func (p *Poller) run(ctx context.Context) {
	defer p.doneOnce.Do(func() { close(p.done) })

	// Immediate first poll: if the counterpart published before this
	// side started discovering, it is found now rather than one
	// interval later.
	select {
	case <-p.stop:
		return
	case <-ctx.Done():
		return
	default:
	}
	p.poll(ctx)

	ticker := p.clk.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll fetches the room's blobs and emits every one not yet seen and
// not the caller's own. A store failure is logged and skipped; the
// next tick retries.
func (p *Poller) poll(ctx context.Context) {
	p.pollCount.Add(1)

	blobs, err := p.store.Get(ctx, p.room)
	if err != nil {
		p.logger.Warn("rendezvous poll failed",
			"room", p.room,
			"error", err,
		)
		return
	}

	for _, blob := range blobs {
		digest := blake3.Sum256(blob)

		p.mu.Lock()
		if p.hasOwn && digest == p.own {
			p.mu.Unlock()
			continue
		}
		if _, ok := p.seen[digest]; ok {
			p.mu.Unlock()
			continue
		}
		p.seen[digest] = struct{}{}
		p.mu.Unlock()

		p.logger.Info("peer signal discovered",
			"room", p.room,
			"bytes", len(blob),
		)
		p.onPeer(blob)
	}
}
