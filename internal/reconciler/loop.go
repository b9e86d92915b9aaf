package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chainsync/internal/broker"
	apperrors "chainsync/internal/errors"
	"chainsync/internal/liveness"
	"chainsync/internal/logging"
	"chainsync/internal/models"
)

// Commands.
type selectInstrumentCmd struct {
	token uint64
	query string
}

type selectExpiryCmd struct {
	token  uint64
	expiry string
}

type closeCmd struct {
	token uint64
}

// Results.
type instrumentLoaded struct {
	token    uint64
	inst     models.Instrument
	expiries models.ExpirySet
	err      error
	chain    chainOutcome
}

type snapshotLoaded struct {
	token  uint64
	expiry string
	chain  chainOutcome
}

type streamEvent struct {
	ev broker.StreamEvent
}

// chainOutcome is the result of fetching one expiry's chain, with the
// last-known table already looked up when no live chain came back.
type chainOutcome struct {
	table     *models.OptionChainTable
	err       error
	lastKnown *models.OptionChainTable
	savedAt   time.Time
}

type loopState struct {
	state   models.SyncState
	current uint64
	tracker liveness.Tracker
	handle  broker.StreamHandle
	// cancelFetch abandons the in-flight fetch of the current selection.
	cancelFetch context.CancelFunc
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.loopDone)

	base, cancel := context.WithCancel(ctx)
	defer cancel()

	r.logger.Debug().Msg("Reconciler started")
	for {
		select {
		case <-ctx.Done():
			// Release workers and listeners blocked in enqueue.
			r.stopOnce.Do(func() { close(r.done) })
			r.shutdown()
			return
		case <-r.done:
			r.shutdown()
			return
		case msg := <-r.queue:
			r.dispatch(base, msg)
		}
	}
}

func (r *Reconciler) shutdown() {
	r.abandonFetch()
	r.closeStream()
	r.logger.Debug().Msg("Reconciler stopped")
}

func (r *Reconciler) dispatch(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case selectInstrumentCmd:
		r.onSelectInstrument(ctx, m)
	case selectExpiryCmd:
		r.onSelectExpiry(ctx, m)
	case closeCmd:
		r.onClose(m)
	case instrumentLoaded:
		r.onInstrumentLoaded(m)
	case snapshotLoaded:
		r.onSnapshotLoaded(m)
	case streamEvent:
		r.onStreamEvent(m.ev)
	}
}

// supersede makes token current. Commands carrying a token older than one
// already applied lost the race and are dropped.
func (r *Reconciler) supersede(token uint64) bool {
	if token < r.loop.current {
		r.logger.Debug().Uint64("token", token).Uint64("current", r.loop.current).Msg("Dropping superseded command")
		return false
	}
	r.loop.current = token
	r.abandonFetch()
	return true
}

func (r *Reconciler) abandonFetch() {
	if r.loop.cancelFetch != nil {
		r.loop.cancelFetch()
		r.loop.cancelFetch = nil
	}
}

func (r *Reconciler) closeStream() {
	if r.loop.handle == nil {
		return
	}
	h := r.loop.handle
	r.loop.handle = nil
	r.loop.tracker.StreamClosed()
	if err := h.Close(); err != nil {
		r.logger.Debug().Err(err).Str("handle", h.ID()).Msg("Error closing stream handle")
	}
}

func (r *Reconciler) onSelectInstrument(ctx context.Context, cmd selectInstrumentCmd) {
	if !r.supersede(cmd.token) {
		return
	}

	// The old channel goes before anything else so two never coexist.
	r.closeStream()
	r.loop.tracker.Reset()
	r.loop.state = models.SyncState{
		Phase:     models.PhaseLoading,
		Query:     cmd.query,
		Selection: cmd.token,
	}
	r.publish()

	logger := logging.WithSelection(r.logger, cmd.token)
	logger.Info().Str("query", cmd.query).Msg("Selecting instrument")

	fetchCtx := r.fetchContext(ctx)
	r.spawn(func() {
		msg := instrumentLoaded{token: cmd.token}
		msg.inst, msg.err = r.fetcher.Resolve(fetchCtx, cmd.query)
		if msg.err == nil {
			msg.expiries, msg.err = r.fetcher.ListExpiries(fetchCtx, msg.inst)
		}
		if msg.err == nil && len(msg.expiries) > 0 {
			msg.chain = r.fetchChain(fetchCtx, msg.inst, msg.expiries.First())
		}
		r.enqueue(msg)
	})
}

func (r *Reconciler) onSelectExpiry(ctx context.Context, cmd selectExpiryCmd) {
	s := &r.loop.state
	if s.Instrument == nil || s.Phase == models.PhaseEmpty {
		r.logger.Warn().Str("expiry", cmd.expiry).Msg("No instrument selected, ignoring expiry change")
		return
	}
	if !s.Expiries.Contains(cmd.expiry) {
		r.logger.Warn().Str("expiry", cmd.expiry).Strs("expiries", s.Expiries).Msg("Unknown expiry, ignoring")
		return
	}
	if !r.supersede(cmd.token) {
		return
	}

	// Expiry-only loading: the stream is left alone, the old table is not
	// shown under the new expiry.
	r.loop.tracker.Reset()
	s.Phase = models.PhaseLoading
	s.Expiry = cmd.expiry
	s.Table = nil
	s.Source = models.SourceNone
	s.Err = models.ErrorNone
	s.Selection = cmd.token
	r.publish()

	inst := *s.Instrument
	logger := logging.WithSelection(r.logger, cmd.token)
	logger.Info().Str("expiry", cmd.expiry).Msg("Selecting expiry")

	fetchCtx := r.fetchContext(ctx)
	r.spawn(func() {
		r.enqueue(snapshotLoaded{
			token:  cmd.token,
			expiry: cmd.expiry,
			chain:  r.fetchChain(fetchCtx, inst, cmd.expiry),
		})
	})
}

func (r *Reconciler) onClose(cmd closeCmd) {
	if !r.supersede(cmd.token) {
		return
	}
	r.closeStream()
	r.loop.tracker.Reset()
	r.loop.state = models.SyncState{
		Phase:     models.PhaseUninitialized,
		Selection: cmd.token,
	}
	r.publish()
	r.logger.Info().Msg("Selection closed")
}

func (r *Reconciler) onInstrumentLoaded(msg instrumentLoaded) {
	if msg.token != r.loop.current {
		r.logger.Debug().Uint64("token", msg.token).Msg("Discarding late instrument result")
		return
	}
	r.abandonFetch()

	s := &r.loop.state
	logger := logging.WithSelection(r.logger, msg.token)

	if msg.inst.IsZero() {
		// Resolution failed: nothing from any previous selection survives.
		kind := apperrors.Kind(msg.err)
		r.loop.state = models.SyncState{
			Phase:     models.PhaseEmpty,
			Query:     s.Query,
			Err:       kind,
			Selection: msg.token,
		}
		logger.Warn().Err(msg.err).Str("kind", string(kind)).Msg("Instrument not resolved")
		r.publish()
		return
	}

	inst := msg.inst
	s.Instrument = &inst
	s.Expiries = msg.expiries.Clone()
	s.Phase = models.PhaseReady
	logger = logging.WithInstrument(logger, inst.ID, inst.SegmentTag)

	if msg.err != nil {
		s.Err = apperrors.Kind(msg.err)
		logger.Warn().Err(msg.err).Msg("Failed to list expiries")
		r.publish()
		return
	}
	if len(s.Expiries) == 0 {
		logger.Info().Msg("No expiries available")
		r.publish()
		return
	}

	s.Expiry = s.Expiries.First()
	r.applyChain(msg.chain, logger)
	r.openStream(inst, logger)
	r.publish()
}

func (r *Reconciler) onSnapshotLoaded(msg snapshotLoaded) {
	if msg.token != r.loop.current || msg.expiry != r.loop.state.Expiry {
		r.logger.Debug().Uint64("token", msg.token).Str("expiry", msg.expiry).Msg("Discarding late snapshot")
		return
	}
	r.abandonFetch()

	s := &r.loop.state
	logger := logging.WithSelection(r.logger, msg.token)
	if s.Instrument != nil {
		logger = logging.WithInstrument(logger, s.Instrument.ID, s.Instrument.SegmentTag)
	}

	s.Phase = models.PhaseReady
	r.applyChain(msg.chain, logger)
	// A channel lost earlier is reopened on this explicit selection; an
	// open one is kept as is.
	if r.loop.handle == nil && s.Instrument != nil {
		r.openStream(*s.Instrument, logger)
	}
	r.publish()
}

// applyChain seeds the table from a chain outcome. The whole table is
// replaced in one assignment.
func (r *Reconciler) applyChain(out chainOutcome, logger zerolog.Logger) {
	s := &r.loop.state

	if out.err == nil && out.table.Len() > 0 {
		s.Table = out.table
		s.Source = models.SourceSnapshot
		s.Err = models.ErrorNone
		r.loop.tracker.Accepted()
		if s.Instrument != nil {
			r.persist(*s.Instrument, s.Expiry, out.table)
		}
		logger.Debug().Int("strikes", out.table.Len()).Str("expiry", s.Expiry).Msg("Seeded from snapshot")
		return
	}

	s.Err = apperrors.Kind(out.err)
	if s.Err == models.ErrorNone {
		s.Err = models.ErrorUnavailable
	}
	if out.lastKnown.Len() > 0 {
		s.Table = out.lastKnown
		s.Source = models.SourceLastKnown
		logger.Info().
			Str("expiry", s.Expiry).
			Time("saved_at", out.savedAt).
			Msg("No live chain, showing last known data")
		return
	}
	s.Table = nil
	s.Source = models.SourceNone
	logger.Info().Err(out.err).Str("expiry", s.Expiry).Msg("No live chain available")
}

// openStream subscribes to the instrument's push channel. The channel is
// scoped to the instrument and segment, so expiry changes keep it.
func (r *Reconciler) openStream(inst models.Instrument, logger zerolog.Logger) {
	h, err := r.connector.Open(inst, func(ev broker.StreamEvent) {
		r.enqueue(streamEvent{ev: ev})
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open stream")
		return
	}
	r.loop.handle = h
	logger.Debug().Str("handle", h.ID()).Str("target", h.Target()).Msg("Stream opening")
}

func (r *Reconciler) onStreamEvent(ev broker.StreamEvent) {
	if r.loop.handle == nil || ev.HandleID != r.loop.handle.ID() {
		// A superseded handle still draining.
		r.logger.Debug().Str("handle", ev.HandleID).Str("kind", ev.Kind.String()).Msg("Ignoring event from stale handle")
		return
	}

	s := &r.loop.state
	switch ev.Kind {
	case broker.EventConnected:
		r.loop.tracker.StreamOpened()
		r.publish()

	case broker.EventData:
		if s.Phase != models.PhaseReady {
			// Not applied before the selection's snapshot has been.
			r.logger.Debug().Str("phase", string(s.Phase)).Msg("Dropping stream data while loading")
			return
		}
		if ev.Table.Len() == 0 {
			return
		}
		s.Table = ev.Table
		s.Source = models.SourceStream
		s.Err = models.ErrorNone
		r.loop.tracker.Accepted()
		if s.Instrument != nil {
			r.persist(*s.Instrument, s.Expiry, ev.Table)
		}
		r.publish()

	case broker.EventDisconnected:
		r.loop.handle = nil
		r.loop.tracker.StreamClosed()
		if ev.Err != nil {
			s.Err = apperrors.Kind(ev.Err)
		}
		r.logger.Warn().Err(ev.Err).Str("handle", ev.HandleID).Msg("Stream disconnected")
		r.publish()
	}
}

// fetchChain fetches one expiry's chain and, when no live chain comes back,
// looks up the last-known table.
func (r *Reconciler) fetchChain(ctx context.Context, inst models.Instrument, expiry string) chainOutcome {
	snap, err := r.fetcher.FetchSnapshot(ctx, inst, expiry)
	if err == nil && snap.Table.Len() > 0 {
		return chainOutcome{table: snap.Table}
	}
	if err == nil {
		err = apperrors.ErrUnavailable
	}

	out := chainOutcome{err: err}
	if r.store != nil && ctx.Err() == nil {
		table, savedAt, lerr := r.store.LastChain(ctx, inst, expiry)
		if lerr == nil {
			out.lastKnown = table
			out.savedAt = savedAt
		} else if !apperrors.Is(lerr, apperrors.ErrNotFound) {
			r.logger.Warn().Err(lerr).Msg("Failed to load last known chain")
		}
	}
	return out
}

// fetchContext returns a context the next fetch runs under; it is
// cancelled when the selection is superseded.
func (r *Reconciler) fetchContext(parent context.Context) context.Context {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.fetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.fetchTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	r.loop.cancelFetch = cancel
	return ctx
}

func (r *Reconciler) spawn(fn func()) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		fn()
	}()
}
