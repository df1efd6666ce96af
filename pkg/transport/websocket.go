package transport

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	state
	ws      *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex
}

// NewWebSocketConn wraps an established WebSocket connection.
// The Conn owns ws and closes it.
func NewWebSocketConn(ws *websocket.Conn, remote string, cfg *Config) Conn {
	c := &wsConn{ws: ws, timeout: cfg.writeTimeout()}
	c.init(KindWebSocket, remote)
	if remote == "" {
		c.remote = remoteAddr(ws.RemoteAddr())
	}
	ws.SetReadLimit(int64(cfg.maxFrame()))
	ws.SetPongHandler(func(string) error {
		c.Touch()
		return nil
	})
	return c
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if c.closed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(writeDeadline(ctx, c.timeout))
	// gorilla applies its own deadline only at the start of a write, so an
	// in-flight write is interrupted through the underlying connection.
	stop := context.AfterFunc(ctx, func() {
		c.ws.UnderlyingConn().SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.Close()
		return c.sendError(ctx, err)
	}
	return nil
}

func (c *wsConn) Receive() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !c.receiving.CompareAndSwap(false, true) {
			yield(nil, ErrReceiveStarted)
			return
		}
		for {
			mt, data, err := c.ws.ReadMessage()
			if err != nil {
				switch {
				case c.closed():
				case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				case errors.Is(err, websocket.ErrReadLimit):
					yield(nil, ErrFrameTooLarge)
				default:
					yield(nil, err)
				}
				return
			}
			c.Touch()
			if mt != websocket.BinaryMessage {
				continue
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	return c.shutdown(func() error {
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.ws.Close()
	})
}

// WebSocketHandler upgrades HTTP requests and hands the resulting
// connections to an Acceptor.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	accept   Acceptor
	config   *Config
	proxies  *proxyMatcher
	logger   *slog.Logger
}

// NewWebSocketHandler creates a handler delivering connections to accept.
func NewWebSocketHandler(accept Acceptor, cfg *Config, logger *slog.Logger) *WebSocketHandler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = SameOriginCheck
	}
	logger = logger.With("component", "websocket")
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		accept:  accept,
		config:  cfg,
		proxies: newProxyMatcher(cfg.TrustedProxies, logger),
		logger:  logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	remote := ""
	if ip := clientIPFromRequest(r, h.proxies); ip != nil {
		remote = ip.String()
	}
	h.accept(NewWebSocketConn(ws, remote, h.config))
}

// DialWebSocket connects to a WebSocket endpoint such as ws://host/ws.
func DialWebSocket(ctx context.Context, url string, header http.Header, cfg *Config) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, "", cfg), nil
}
