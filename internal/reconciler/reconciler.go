// Package reconciler owns the option chain read model. It merges snapshot
// fetches, expiry changes and push channel events into one SyncState.
//
// All state is owned by a single loop goroutine. Public methods enqueue
// commands; asynchronous results come back through the same queue tagged
// with the selection token they were started for, and anything tagged with
// a superseded token is discarded.
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chainsync/internal/broker"
	"chainsync/internal/logging"
	"chainsync/internal/models"
	"chainsync/internal/store"
	"chainsync/internal/stream"
)

const (
	defaultQueueSize   = 64
	defaultSaveTimeout = 5 * time.Second
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithStore wires a last-known chain store. Accepted live tables are saved
// to it and it backs the fallback when no live chain is available.
func WithStore(s store.ChainStore) Option {
	return func(r *Reconciler) {
		r.store = s
	}
}

// WithHub sets the hub states are published to. Without it the reconciler
// creates and owns one.
func WithHub(h *stream.Hub) Option {
	return func(r *Reconciler) {
		r.hub = h
		r.ownsHub = false
	}
}

// WithFetchTimeout bounds each resolve/expiry/snapshot round.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.fetchTimeout = d
	}
}

// Reconciler is the option chain state machine.
type Reconciler struct {
	fetcher   broker.Fetcher
	connector broker.Connector
	store     store.ChainStore
	hub       *stream.Hub
	ownsHub   bool
	logger    zerolog.Logger

	fetchTimeout time.Duration

	queue     chan interface{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}
	workers   sync.WaitGroup

	nextToken atomic.Uint64

	mu       sync.RWMutex
	snapshot models.SyncState

	// Owned by the loop goroutine.
	loop loopState
}

// New creates a reconciler. Start must be called before selections take
// effect.
func New(fetcher broker.Fetcher, connector broker.Connector, opts ...Option) *Reconciler {
	r := &Reconciler{
		fetcher:   fetcher,
		connector: connector,
		hub:       stream.NewHub(),
		ownsHub:   true,
		logger:    zerolog.Nop(),
		queue:     make(chan interface{}, defaultQueueSize),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		snapshot: models.SyncState{
			Phase:    models.PhaseUninitialized,
			Liveness: models.LivenessUnknown,
		},
	}

	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithComponent(r.logger, "reconciler")
	r.loop.state = r.snapshot

	return r
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		if r.ownsHub {
			r.hub.Start(ctx)
		}
		go r.run(ctx)
	})
}

// Stop closes the stream handle, abandons in-flight fetches and waits for
// background work to finish. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	if r.started.Load() {
		<-r.loopDone
	}

	r.workers.Wait()
	m := r.Metrics()
	r.logger.Debug().
		Uint64("states_published", m.StatesReceived).
		Uint64("states_delivered", m.StatesBroadcast).
		Uint64("states_skipped", m.StatesDropped).
		Int("subscribers", m.Subscribers).
		Msg("State hub totals")
	if r.ownsHub {
		r.hub.Stop()
	}
}

// Metrics returns the state hub's delivery counters.
func (r *Reconciler) Metrics() stream.HubMetrics {
	return r.hub.GetMetrics()
}

// SelectInstrument switches to the instrument matching query and returns
// the selection token assigned to it.
func (r *Reconciler) SelectInstrument(query string) uint64 {
	token := r.nextToken.Add(1)
	r.enqueue(selectInstrumentCmd{token: token, query: query})
	return token
}

// SelectExpiry switches the current instrument to another expiry from its
// expiry set and returns the selection token assigned to it. Labels outside
// the set are ignored.
func (r *Reconciler) SelectExpiry(expiry string) uint64 {
	token := r.nextToken.Add(1)
	r.enqueue(selectExpiryCmd{token: token, expiry: expiry})
	return token
}

// Close drops the current selection, as when the user navigates away.
func (r *Reconciler) Close() uint64 {
	token := r.nextToken.Add(1)
	r.enqueue(closeCmd{token: token})
	return token
}

// State returns a copy of the current read model.
func (r *Reconciler) State() models.SyncState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Clone()
}

// Subscribe returns a channel of state copies. The current state is
// delivered first once anything has been published.
func (r *Reconciler) Subscribe() <-chan models.SyncState {
	return r.hub.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe.
func (r *Reconciler) Unsubscribe(ch <-chan models.SyncState) {
	r.hub.Unsubscribe(ch)
}

// WaitFor blocks until a published state satisfies pred or ctx ends.
func (r *Reconciler) WaitFor(ctx context.Context, pred func(models.SyncState) bool) (models.SyncState, error) {
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	if s := r.State(); pred(s) {
		return s, nil
	}
	for {
		select {
		case <-ctx.Done():
			return r.State(), ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return r.State(), context.Canceled
			}
			if pred(s) {
				return s, nil
			}
		}
	}
}

func (r *Reconciler) enqueue(msg interface{}) {
	select {
	case r.queue <- msg:
	case <-r.done:
	}
}

// publish stamps liveness on the loop's state and hands a copy to readers.
// Liveness is computed before anyone can observe the new table.
func (r *Reconciler) publish() {
	s := &r.loop.state
	switch {
	case s.Phase == models.PhaseUninitialized:
		s.Liveness = models.LivenessUnknown
	case s.Phase == models.PhaseLoading && s.Instrument == nil:
		s.Liveness = models.LivenessUnknown
	default:
		s.Liveness = r.loop.tracker.Status()
	}
	s.UpdatedAt = time.Now()

	out := s.Clone()
	r.mu.Lock()
	r.snapshot = out
	r.mu.Unlock()

	r.hub.Publish(out.Clone())

	r.logger.Debug().
		Uint64("selection", out.Selection).
		Str("phase", string(out.Phase)).
		Str("liveness", string(out.Liveness)).
		Str("source", string(out.Source)).
		Int("strikes", out.Table.Len()).
		Msg("State published")
}

// persist saves an accepted live table without blocking the loop.
func (r *Reconciler) persist(inst models.Instrument, expiry string, table *models.OptionChainTable) {
	if r.store == nil || table.Len() == 0 || expiry == "" {
		return
	}
	table = table.Clone()

	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultSaveTimeout)
		defer cancel()
		if err := r.store.SaveChain(ctx, inst, expiry, table); err != nil {
			r.logger.Warn().Err(err).Str("security_id", inst.ID).Str("expiry", expiry).Msg("Failed to save chain")
		}
	}()
}
