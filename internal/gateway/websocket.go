package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentswarm/internal/config"
	"github.com/basket/agentswarm/internal/queue"
)

// inboundFrame is the mobile client's wire format for a chat message.
type inboundFrame struct {
	ChannelID   string   `json:"channel_id"`
	ChannelName string   `json:"channel_name"`
	UserID      string   `json:"user_id"`
	Content     string   `json:"content"`
	Mentions    []string `json:"mentions,omitempty"`
}

// outboundFrame acknowledges routing back to the client.
type outboundFrame struct {
	Selected []string `json:"selected"`
	Blocked  bool     `json:"blocked"`
	Reason   string   `json:"reason,omitempty"`
}

// replyFrame carries an agent's actual response, pushed asynchronously over
// whichever live connection last spoke for channelID. Grounded on
// zkoranges-go-claw/internal/gateway/gateway.go's session.event push, scoped
// down to a single per-channel connection instead of a subscriber set.
type replyFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

var errNoLiveConnection = errors.New("gateway: no live websocket connection for channel")

// WebSocketGateway is the mobile client gateway adapter (spec.md §6.2),
// grounded on zkoranges-go-claw/internal/gateway/gateway.go's handleWS.
type WebSocketGateway struct {
	addr       string
	dispatcher *Dispatcher
	auth       *AuthMiddleware
	cors       func(http.Handler) http.Handler
	rateLimit  *RateLimitMiddleware

	mu     sync.Mutex
	server *http.Server
	logger *slog.Logger

	connsMu sync.Mutex
	conns   map[string]*websocket.Conn // channelID -> most recent live connection
}

// NewWebSocketGateway constructs the adapter; addr is the listen address
// (e.g. "127.0.0.1:18789", the teacher's default bind_addr).
func NewWebSocketGateway(addr string, dispatcher *Dispatcher, cfg config.Config) *WebSocketGateway {
	return &WebSocketGateway{
		addr:       addr,
		dispatcher: dispatcher,
		auth:       NewAuthMiddleware(cfg.Auth),
		cors:       NewCORSMiddleware(cfg.CORS),
		rateLimit:  NewRateLimitMiddleware(cfg.RateLimit),
		logger:     slog.Default().With("component", "gateway-ws"),
		conns:      make(map[string]*websocket.Conn),
	}
}

func (g *WebSocketGateway) Name() string { return "websocket" }

// Start listens for WebSocket connections until ctx is canceled.
func (g *WebSocketGateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealthz)
	handler := g.cors(g.rateLimit.Wrap(g.auth.Wrap(mux)))

	srv := &http.Server{Addr: g.addr, Handler: handler}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		g.Stop()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (g *WebSocketGateway) Stop() {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
}

func (g *WebSocketGateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (g *WebSocketGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var lastChannelID string
	defer func() {
		if lastChannelID != "" {
			g.unregisterConn(lastChannelID, conn)
		}
	}()

	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		lastChannelID = frame.ChannelID
		g.registerConn(frame.ChannelID, conn)

		msg := queue.MessageContext{
			ChannelID:         frame.ChannelID,
			ChannelName:       frame.ChannelName,
			UserID:            frame.UserID,
			Content:           frame.Content,
			MentionedAgentIDs: frame.Mentions,
		}
		result := g.dispatcher.Handle(ctx, "websocket", msg)
		ack := outboundFrame{Selected: result.Selected, Blocked: result.Blocked, Reason: result.Reason}
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return
		}
	}
}

func (g *WebSocketGateway) registerConn(channelID string, conn *websocket.Conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	g.conns[channelID] = conn
}

func (g *WebSocketGateway) unregisterConn(channelID string, conn *websocket.Conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	if g.conns[channelID] == conn {
		delete(g.conns, channelID)
	}
}

// Reply implements Replier by pushing a replyFrame over the most recent live
// connection registered for channelID.
func (g *WebSocketGateway) Reply(ctx context.Context, channelID, text string) error {
	g.connsMu.Lock()
	conn := g.conns[channelID]
	g.connsMu.Unlock()
	if conn == nil {
		return errNoLiveConnection
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, replyFrame{Type: "agent_reply", ChannelID: channelID, Text: text})
}
