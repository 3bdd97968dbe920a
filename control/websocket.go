package control

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type TransportState int32

const (
	TransportStateStopped TransportState = iota
	TransportStateConnecting
	TransportStateConnected
	TransportStateStopping
)

// WebSocketTransport dials the foreground hub, serves control messages it
// receives and pushes lifecycle events. The engine keeps working while the
// hub is unreachable; the transport reconnects in the background.
type WebSocketTransport struct {
	channel *Channel
	logger  types.Logger
	metrics types.MetricsManager
	config  types.WebSocketConfig
	dialer  *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	send  chan *types.ControlFrame
	state atomic.Value

	connMu sync.Mutex
	conn   *websocket.Conn
}

func NewWebSocketTransport(channel *Channel, config *types.WebSocketConfig, logger types.Logger, metrics types.MetricsManager) (*WebSocketTransport, error) {
	if config == nil || config.URL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "websocket url is required")
	}

	cfg := *config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	t := &WebSocketTransport{
		channel: channel,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		send:    make(chan *types.ControlFrame, 256),
	}
	t.state.Store(TransportStateStopped)

	return t, nil
}

func (t *WebSocketTransport) Start() error {
	if !t.transitionState(TransportStateStopped, TransportStateConnecting) {
		return types.ErrServerAlreadyRunning
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.done = make(chan struct{})
	go t.run()

	t.logger.Info("WebSocket control transport started", zap.String("url", t.config.URL))
	return nil
}

func (t *WebSocketTransport) Stop() error {
	state := t.getState()
	if state == TransportStateStopped || state == TransportStateStopping {
		return types.ErrServerNotRunning
	}
	if !t.transitionState(state, TransportStateStopping) {
		return types.ErrServerNotRunning
	}

	defer t.setState(TransportStateStopped)

	t.cancel()
	t.closeConn()
	<-t.done

	t.logger.Info("WebSocket control transport stopped")
	return nil
}

func (t *WebSocketTransport) IsRunning() bool {
	state := t.getState()
	return state == TransportStateConnecting || state == TransportStateConnected
}

func (t *WebSocketTransport) Connected() bool {
	return t.getState() == TransportStateConnected
}

// Publish queues a lifecycle event for the hub. It never blocks; events are
// dropped while the queue is full.
func (t *WebSocketTransport) Publish(event types.LifecycleEvent) {
	if !t.IsRunning() {
		return
	}

	select {
	case t.send <- &types.ControlFrame{Type: types.FrameEvent, Event: &event}:
	default:
		t.logger.Warn("Control event queue full, dropping event",
			zap.String("event", event.Type),
			zap.String("version", event.Version))
		t.recordMetric("publish", "dropped")
	}
}

func (t *WebSocketTransport) run() {
	defer close(t.done)

	for {
		if t.ctx.Err() != nil {
			return
		}

		conn, err := t.connect()
		if err != nil {
			t.logger.Debug("Control hub unreachable",
				zap.String("url", t.config.URL),
				zap.Duration("retry_in", t.config.ReconnectDelay),
				zap.Error(err))
			t.recordMetric("connect", "error")

			select {
			case <-time.After(t.config.ReconnectDelay):
				continue
			case <-t.ctx.Done():
				return
			}
		}

		t.recordMetric("connect", "success")
		t.serve(conn)
		t.transitionState(TransportStateConnected, TransportStateConnecting)
	}
}

func (t *WebSocketTransport) connect() (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := t.dialer.DialContext(dialCtx, t.config.URL, header)
	if err != nil {
		return nil, types.Errorf(types.ErrTransportFailed, "dial %s: %v", t.config.URL, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	t.transitionState(TransportStateConnecting, TransportStateConnected)
	t.logger.Info("Connected to control hub", zap.String("url", t.config.URL))

	return conn, nil
}

// serve runs the read loop on this goroutine and the write loop beside it
// until either side fails.
func (t *WebSocketTransport) serve(conn *websocket.Conn) {
	closed := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		t.writePump(conn, closed)
	}()

	t.readPump(conn)

	close(closed)
	<-writerDone
	t.closeConn()
}

func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("Control hub connection lost", zap.Error(err))
			}
			return
		}

		var msg types.ControlMessage
		if err := utils.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("Discarding malformed control message", zap.Error(err))
			t.enqueueReply(failure("", types.Errorf(types.ErrCommandPayload, "%v", err)))
			continue
		}

		go t.dispatch(&msg)
	}
}

func (t *WebSocketTransport) dispatch(msg *types.ControlMessage) {
	reply, err := t.channel.Send(t.ctx, msg)
	if err != nil {
		reply = failure(msg.ID, err)
	}
	t.enqueueReply(reply)
}

func (t *WebSocketTransport) enqueueReply(reply *types.ControlReply) {
	select {
	case t.send <- &types.ControlFrame{Type: types.FrameReply, Reply: reply}:
	case <-t.ctx.Done():
	}
}

func (t *WebSocketTransport) writePump(conn *websocket.Conn, closed <-chan struct{}) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-t.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.config.WriteTimeout))
			return
		case frame := <-t.send:
			data, err := utils.Marshal(frame)
			if err != nil {
				t.logger.Error("Failed to marshal control frame", zap.Error(err))
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn("Failed to write control frame", zap.Error(err))
				t.recordMetric("write", "error")
				t.closeConn()
				return
			}
			t.recordMetric("write", frame.Type)
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.closeConn()
				return
			}
		}
	}
}

func (t *WebSocketTransport) closeConn() {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *WebSocketTransport) recordMetric(operation, result string) {
	if t.metrics == nil {
		return
	}

	t.metrics.Counter("control_websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
}

func (t *WebSocketTransport) getState() TransportState {
	return t.state.Load().(TransportState)
}

func (t *WebSocketTransport) setState(newState TransportState) bool {
	currentState := t.getState()
	return t.state.CompareAndSwap(currentState, newState)
}

func (t *WebSocketTransport) transitionState(from, to TransportState) bool {
	return t.state.CompareAndSwap(from, to)
}
