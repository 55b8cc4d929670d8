package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"agent-wallet/internal/core"
	"agent-wallet/internal/logger"
)

// StreamKind selects a market data stream type.
type StreamKind string

const (
	StreamTrade      StreamKind = "trade"
	StreamAggTrade   StreamKind = "aggTrade"
	StreamKline      StreamKind = "kline"
	StreamTicker     StreamKind = "ticker"
	StreamDepth      StreamKind = "depth"
	StreamBookTicker StreamKind = "bookTicker"
)

// StreamConfig describes one subscription. Interval applies to kline
// streams, Levels to partial depth streams.
type StreamConfig struct {
	Symbol   string
	Kind     StreamKind
	Interval string
	Levels   int
}

// Name renders the wire stream name, e.g. "btcusdt@kline_1m".
func (c StreamConfig) Name() string {
	base := strings.ToLower(c.Symbol)
	switch c.Kind {
	case StreamKline:
		interval := c.Interval
		if interval == "" {
			interval = "1m"
		}
		return fmt.Sprintf("%s@kline_%s", base, interval)
	case StreamDepth:
		levels := c.Levels
		if levels == 0 {
			levels = 20
		}
		return fmt.Sprintf("%s@depth%d@100ms", base, levels)
	default:
		return fmt.Sprintf("%s@%s", base, c.Kind)
	}
}

// StreamHandler receives the raw payload of one stream event. Handlers run
// on the read loop goroutine and must not block.
type StreamHandler func(stream string, data json.RawMessage)

// combinedFrame is the envelope of the combined stream endpoint.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

const maxReconnectAttempts = 5

// StreamManager maintains one combined websocket connection and dispatches
// events to per-stream handlers. Reconnects are bounded; after
// maxReconnectAttempts consecutive failures the manager goes terminal and
// reports on Done.
type StreamManager struct {
	baseURL string
	dialer  *websocket.Dialer
	// 300 connection attempts per 5 minutes, per the venue's ws limits.
	connLimiter *rate.Limiter

	mu           sync.Mutex
	conn         *websocket.Conn
	handlers     map[string]StreamHandler
	nextID       int64
	closed       bool
	terminal     bool
	reconnecting bool

	done     chan struct{}
	doneErr  error
	doneOnce sync.Once
	log      *logger.Entry
}

func NewStreamManager(wsBaseURL string) *StreamManager {
	return &StreamManager{
		baseURL:     strings.TrimRight(wsBaseURL, "/"),
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		connLimiter: rate.NewLimiter(rate.Every(5*time.Minute/300), 300),
		handlers:    make(map[string]StreamHandler),
		done:        make(chan struct{}),
		log:         logger.GetLogger().WithComponent("streams"),
	}
}

// Done is closed when the manager gives up reconnecting or is closed. Err
// reports why.
func (m *StreamManager) Done() <-chan struct{} { return m.done }

func (m *StreamManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doneErr
}

func (m *StreamManager) finish(err error) {
	m.doneOnce.Do(func() {
		m.mu.Lock()
		m.doneErr = err
		m.mu.Unlock()
		close(m.done)
	})
}

// Subscribe registers a handler and starts the stream. The first
// subscription dials the combined endpoint; later ones reuse the open
// connection.
func (m *StreamManager) Subscribe(ctx context.Context, cfg StreamConfig, handler StreamHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil stream handler", core.ErrValidation)
	}
	name := cfg.Name()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.terminal {
		return fmt.Errorf("%w: stream manager is closed", core.ErrTransport)
	}
	if _, dup := m.handlers[name]; dup {
		return fmt.Errorf("%w: already subscribed to %s", core.ErrValidation, name)
	}

	if m.conn == nil {
		// While a reconnect is in flight the handler is only registered; the
		// next dial attempt picks it up with the rest of the set.
		if m.reconnecting {
			m.handlers[name] = handler
			m.log.WithFields(logger.Fields{"stream": name}).Info("subscription queued for reconnect")
			return nil
		}
		if err := m.dialLocked(ctx, []string{name}); err != nil {
			return err
		}
		m.handlers[name] = handler
		return nil
	}

	m.nextID++
	cmd := wsCommand{Method: "SUBSCRIBE", Params: []string{name}, ID: m.nextID}
	if err := m.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", core.ErrTransport, name, err)
	}
	m.handlers[name] = handler
	m.log.WithFields(logger.Fields{"stream": name}).Info("subscribed")
	return nil
}

// Unsubscribe removes the handler and tells the server to stop the stream.
// The connection is closed when no subscriptions remain.
func (m *StreamManager) Unsubscribe(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[name]; !ok {
		return fmt.Errorf("%w: not subscribed to %s", core.ErrValidation, name)
	}
	delete(m.handlers, name)
	if m.conn == nil {
		return nil
	}
	if len(m.handlers) == 0 {
		conn := m.conn
		m.conn = nil
		_ = conn.Close()
		m.log.Info("last subscription removed, connection closed")
		return nil
	}
	m.nextID++
	cmd := wsCommand{Method: "UNSUBSCRIBE", Params: []string{name}, ID: m.nextID}
	if err := m.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", core.ErrTransport, name, err)
	}
	return nil
}

// Streams lists active subscription names.
func (m *StreamManager) Streams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	return names
}

func (m *StreamManager) dialLocked(ctx context.Context, streams []string) error {
	if !m.connLimiter.Allow() {
		return fmt.Errorf("%w: websocket connection attempts exhausted", core.ErrRateLimited)
	}
	url := m.baseURL + "/stream?streams=" + strings.Join(streams, "/")
	conn, _, err := m.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", core.ErrTransport, url, err)
	}
	m.conn = conn
	go m.readLoop(conn)
	m.log.WithFields(logger.Fields{"streams": strings.Join(streams, ",")}).Info("websocket connected")
	return nil
}

func (m *StreamManager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		var frame combinedFrame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr != nil {
			m.log.WithError(jsonErr).Warn("dropping unparseable frame")
			continue
		}
		if frame.Stream == "" {
			// Command acks carry no stream name.
			continue
		}
		m.mu.Lock()
		handler := m.handlers[frame.Stream]
		m.mu.Unlock()
		if handler != nil {
			handler(frame.Stream, frame.Data)
		}
	}
}

func (m *StreamManager) handleDisconnect(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if len(m.handlers) == 0 {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()
	_ = conn.Close()

	m.log.WithError(cause).Warn("websocket disconnected, reconnecting")
	m.reconnect()
}

// reconnect redials with the current subscription set. The set is re-read on
// every attempt so handlers registered while reconnecting are included.
func (m *StreamManager) reconnect() {
	wait := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		time.Sleep(wait.Duration())

		m.mu.Lock()
		if m.closed {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		streams := make([]string, 0, len(m.handlers))
		for name := range m.handlers {
			streams = append(streams, name)
		}
		if len(streams) == 0 {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := m.dialLocked(ctx, streams)
		cancel()
		if err == nil {
			m.reconnecting = false
			m.mu.Unlock()
			m.log.WithFields(logger.Fields{"attempt": attempt}).Info("websocket reconnected")
			return
		}
		m.mu.Unlock()
		m.log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect failed")
	}

	m.mu.Lock()
	m.terminal = true
	m.reconnecting = false
	m.mu.Unlock()
	m.finish(fmt.Errorf("%w: gave up after %d reconnect attempts", core.ErrTransport, maxReconnectAttempts))
}

// Close tears the connection down and marks the manager terminal.
func (m *StreamManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.handlers = make(map[string]StreamHandler)
	m.mu.Unlock()

	var errs *multierror.Error
	if conn != nil {
		if err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second)); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	m.finish(nil)
	return errs.ErrorOrNil()
}
