package broker

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "chainsync/internal/errors"
	"chainsync/internal/logging"
	"chainsync/internal/models"
)

// WSConnectorConfig holds configuration for the push channel connector.
type WSConnectorConfig struct {
	// BaseURL is the stream root; the security id and segment tag are
	// appended as path elements.
	BaseURL          string
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; zero disables them.
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// WSConnector implements Connector over WebSocket.
// It never reconnects on its own.
type WSConnector struct {
	baseURL      string
	pingInterval time.Duration
	dialer       *websocket.Dialer
	logger       zerolog.Logger
}

// NewWSConnector creates a new push channel connector.
func NewWSConnector(cfg WSConnectorConfig) *WSConnector {
	handshake := cfg.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}

	return &WSConnector{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pingInterval: cfg.PingInterval,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshake,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: logging.WithComponent(cfg.Logger, "ticker"),
	}
}

// Target builds the subscription URL for an instrument.
func (c *WSConnector) Target(inst models.Instrument) (string, error) {
	id := strings.TrimSpace(inst.ID)
	seg := strings.TrimSpace(inst.SegmentTag)
	if id == "" || seg == "" {
		return "", apperrors.Wrapf(apperrors.ErrInvalidTarget, "security_id=%q segment=%q", inst.ID, inst.SegmentTag)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return "", apperrors.Wrapf(apperrors.ErrInvalidTarget, "stream url %q", c.baseURL)
	}
	return c.baseURL + "/" + url.PathEscape(id) + "/" + url.PathEscape(seg), nil
}

// Open implements Connector.
func (c *WSConnector) Open(inst models.Instrument, listener Listener) (StreamHandle, error) {
	if listener == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidTarget, "nil listener")
	}
	target, err := c.Target(inst)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &wsHandle{
		id:       uuid.NewString(),
		target:   target,
		listener: listener,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    HandleConnecting,
	}
	h.logger = c.logger.With().Str("handle", h.id).Str("target", target).Logger()

	go h.run(ctx, c.dialer, c.pingInterval)

	return h, nil
}

// wsHandle is one subscription. All listener calls happen on the run
// goroutine, so events for a handle are strictly ordered.
type wsHandle struct {
	id       string
	target   string
	listener Listener
	cancel   context.CancelFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	state   HandleState
	conn    *websocket.Conn
	closing bool

	done chan struct{}
}

func (h *wsHandle) ID() string     { return h.id }
func (h *wsHandle) Target() string { return h.target }

func (h *wsHandle) Done() <-chan struct{} { return h.done }

func (h *wsHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Close implements StreamHandle.
func (h *wsHandle) Close() error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	conn := h.conn
	h.mu.Unlock()

	// Aborts an in-flight dial.
	h.cancel()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}

func (h *wsHandle) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

func (h *wsHandle) emit(ev StreamEvent) {
	ev.HandleID = h.id
	ev.At = time.Now()
	h.listener(ev)
}

// finish moves the handle to Closed and emits the single Disconnected.
func (h *wsHandle) finish(cause error) {
	h.mu.Lock()
	h.state = HandleClosed
	h.conn = nil
	h.mu.Unlock()
	h.cancel()

	var err error
	if cause != nil {
		err = apperrors.NewStreamError(h.id, h.target, cause)
	}
	logging.LogStreamEvent(h.logger, h.id, EventDisconnected.String(), err)
	h.emit(StreamEvent{Kind: EventDisconnected, Err: err})
	close(h.done)
}

func (h *wsHandle) run(ctx context.Context, dialer *websocket.Dialer, pingInterval time.Duration) {
	conn, _, err := dialer.DialContext(ctx, h.target, nil)
	if err != nil {
		if h.isClosing() {
			h.finish(nil)
			return
		}
		h.finish(apperrors.Wrap(apperrors.ErrConnectionLost, err.Error()))
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.Close()
		h.finish(nil)
		return
	}
	h.conn = conn
	h.state = HandleOpen
	h.mu.Unlock()

	logging.LogStreamEvent(h.logger, h.id, EventConnected.String(), nil)
	h.emit(StreamEvent{Kind: EventConnected})

	if pingInterval > 0 {
		readWindow := 2 * pingInterval
		conn.SetReadDeadline(time.Now().Add(readWindow))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWindow))
		})
		go h.keepalive(ctx, conn, pingInterval)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if h.isClosing() {
				h.finish(nil)
				return
			}
			h.finish(apperrors.Wrap(apperrors.ErrConnectionLost, err.Error()))
			return
		}
		if pingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		}

		table, err := DecodeChain(data)
		if err != nil || table.Len() == 0 {
			h.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Skipping non-chain payload")
			continue
		}
		h.emit(StreamEvent{Kind: EventData, Table: table, Raw: data})
	}
}

func (h *wsHandle) keepalive(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(interval)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				h.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}
		}
	}
}

// Ensure WSConnector implements Connector interface
var _ Connector = (*WSConnector)(nil)
