package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chainsync/internal/broker"
	apperrors "chainsync/internal/errors"
	"chainsync/internal/models"
)

// fakeFetcher serves canned instruments, expiries and chains. A gate
// registered for a query or expiry holds that call until released, even
// when its context is cancelled, like a response already on the wire.
type fakeFetcher struct {
	mu          sync.Mutex
	instruments map[string]models.Instrument
	resolveErr  map[string]error
	expiries    map[string]models.ExpirySet
	expiryErr   map[string]error
	chains      map[string]*models.OptionChainTable
	chainErr    map[string]error
	gates       map[string]chan struct{}
	delays      map[string]time.Duration
	returned    map[string]chan struct{}

	snapshotCalls int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		instruments: make(map[string]models.Instrument),
		resolveErr:  make(map[string]error),
		expiries:    make(map[string]models.ExpirySet),
		expiryErr:   make(map[string]error),
		chains:      make(map[string]*models.OptionChainTable),
		chainErr:    make(map[string]error),
		gates:       make(map[string]chan struct{}),
		delays:      make(map[string]time.Duration),
		returned:    make(map[string]chan struct{}),
	}
}

func chainKey(id, expiry string) string { return id + "|" + expiry }

func (f *fakeFetcher) addInstrument(query string, inst models.Instrument, expiries ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments[query] = inst
	f.expiries[inst.ID] = models.ExpirySet(expiries)
}

func (f *fakeFetcher) setChain(id, expiry string, table *models.OptionChainTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chainKey(id, expiry)] = table
}

func (f *fakeFetcher) setChainErr(id, expiry string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainErr[chainKey(id, expiry)] = err
}

// gate holds calls for key until the returned func is called. The second
// channel is closed once a gated call has returned.
func (f *fakeFetcher) gate(key string) (release func(), returned <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	done := make(chan struct{})
	f.gates[key] = ch
	f.returned[key] = done
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }, done
}

func (f *fakeFetcher) delay(key string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[key] = d
}

func (f *fakeFetcher) wait(ctx context.Context, key string) func() {
	f.mu.Lock()
	gate := f.gates[key]
	d := f.delays[key]
	returned := f.returned[key]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if d > 0 {
		time.Sleep(d)
	}
	return func() {
		if returned != nil {
			f.mu.Lock()
			select {
			case <-returned:
			default:
				close(returned)
			}
			f.mu.Unlock()
		}
	}
}

func (f *fakeFetcher) Resolve(ctx context.Context, query string) (models.Instrument, error) {
	defer f.wait(ctx, "resolve:"+query)()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.resolveErr[query]; ok {
		return models.Instrument{}, err
	}
	inst, ok := f.instruments[query]
	if !ok {
		return models.Instrument{}, apperrors.Wrapf(apperrors.ErrNotFound, "query %q", query)
	}
	return inst, nil
}

func (f *fakeFetcher) ListExpiries(ctx context.Context, inst models.Instrument) (models.ExpirySet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.expiryErr[inst.ID]; ok {
		return nil, err
	}
	return f.expiries[inst.ID].Clone(), nil
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, inst models.Instrument, expiry string) (models.Snapshot, error) {
	atomic.AddInt32(&f.snapshotCalls, 1)
	defer f.wait(ctx, "chain:"+expiry)()

	f.mu.Lock()
	defer f.mu.Unlock()
	key := chainKey(inst.ID, expiry)
	if err, ok := f.chainErr[key]; ok {
		return models.Snapshot{}, err
	}
	table, ok := f.chains[key]
	if !ok {
		return models.Snapshot{}, apperrors.ErrUnavailable
	}
	return models.Snapshot{Table: table.Clone(), Live: true}, nil
}

// fakeConnector hands out handles the test drives by hand.
type fakeConnector struct {
	mu      sync.Mutex
	handles []*fakeHandle
	log     []string
	openErr error
	opened  chan *fakeHandle
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{opened: make(chan *fakeHandle, 16)}
}

func (c *fakeConnector) Open(inst models.Instrument, listener broker.Listener) (broker.StreamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	h := &fakeHandle{
		id:       fmt.Sprintf("h%d", len(c.handles)+1),
		inst:     inst,
		listener: listener,
		conn:     c,
		done:     make(chan struct{}),
		state:    broker.HandleConnecting,
	}
	c.handles = append(c.handles, h)
	c.log = append(c.log, "open "+h.id)
	select {
	case c.opened <- h:
	default:
	}
	return h, nil
}

func (c *fakeConnector) record(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, entry)
}

func (c *fakeConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (c *fakeConnector) entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeHandle struct {
	id       string
	inst     models.Instrument
	listener broker.Listener
	conn     *fakeConnector

	mu     sync.Mutex
	state  broker.HandleState
	closed bool
	// emitMu serialises listener calls like a real handle's run goroutine.
	emitMu sync.Mutex
	done   chan struct{}
}

func (h *fakeHandle) ID() string     { return h.id }
func (h *fakeHandle) Target() string { return "fake://" + h.inst.Key() }

func (h *fakeHandle) State() broker.HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) emit(ev broker.StreamEvent) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	ev.HandleID = h.id
	ev.At = time.Now()
	h.listener(ev)
}

func (h *fakeHandle) Connect() {
	h.mu.Lock()
	h.state = broker.HandleOpen
	h.mu.Unlock()
	h.emit(broker.StreamEvent{Kind: broker.EventConnected})
}

func (h *fakeHandle) Push(table *models.OptionChainTable) {
	h.emit(broker.StreamEvent{Kind: broker.EventData, Table: table.Clone()})
}

// Drop simulates an unsolicited close.
func (h *fakeHandle) Drop() {
	if !h.finish() {
		return
	}
	h.emit(broker.StreamEvent{
		Kind: broker.EventDisconnected,
		Err:  apperrors.NewStreamError(h.id, h.Target(), apperrors.ErrConnectionLost),
	})
	close(h.done)
}

func (h *fakeHandle) finish() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	h.state = broker.HandleClosed
	return true
}

func (h *fakeHandle) Close() error {
	if !h.finish() {
		return nil
	}
	h.conn.record("close " + h.id)
	// Real handles report the close from their own goroutine.
	go func() {
		h.emit(broker.StreamEvent{Kind: broker.EventDisconnected})
		close(h.done)
	}()
	return nil
}
