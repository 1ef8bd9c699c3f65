package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/dialog"
)

// inboundMessage is one client message on the gateway socket. Attachment
// data travels base64-encoded (encoding/json's []byte representation).
type inboundMessage struct {
	UserID     string       `json:"user_id"`
	Text       string       `json:"text"`
	Attachment *filePayload `json:"attachment,omitempty"`
}

type filePayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// outboundMessage is pushed to clients: a direct reply to their last message
// or a cross-platform sync notification.
type outboundMessage struct {
	Type string       `json:"type"` // reply | sync
	Text string       `json:"text"`
	File *filePayload `json:"file,omitempty"`
}

// GatewayChannel serves the event-push platform: JSON messages over a
// WebSocket at /ws, plus a /healthz endpoint. Platform type "gateway"; the
// platform id is the client-supplied user id.
type GatewayChannel struct {
	addr       string
	authToken  string
	dispatcher Deliverer
	sessions   SessionLookup
	events     *bus.Bus
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]map[*websocket.Conn]struct{}
}

func NewGatewayChannel(addr, authToken string, dispatcher Deliverer, sessions SessionLookup, events *bus.Bus, logger *slog.Logger) *GatewayChannel {
	return &GatewayChannel{
		addr:       addr,
		authToken:  authToken,
		dispatcher: dispatcher,
		sessions:   sessions,
		events:     events,
		logger:     logger,
		clients:    make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (g *GatewayChannel) Name() string {
	return "gateway"
}

func (g *GatewayChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		g.handleWS(ctx, w, r)
	})

	server := &http.Server{
		Addr:              g.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.events != nil {
		go g.watchSyncEvents(ctx)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	g.logger.Info("gateway listening", "addr", g.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *GatewayChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"channel": g.Name(),
	})
}

func (g *GatewayChannel) authorized(r *http.Request) bool {
	if g.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.authToken)) == 1
}

func (g *GatewayChannel) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("gateway accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	var registeredID string
	defer func() {
		if registeredID != "" {
			g.dropClient(registeredID, conn)
		}
	}()

	for {
		var msg inboundMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if msg.UserID == "" {
			_ = wsjson.Write(ctx, conn, outboundMessage{Type: "reply", Text: "user_id is required"})
			continue
		}
		if registeredID != msg.UserID {
			if registeredID != "" {
				g.dropClient(registeredID, conn)
			}
			g.addClient(msg.UserID, conn)
			registeredID = msg.UserID
		}

		var att *dialog.Attachment
		if msg.Attachment != nil {
			att = &dialog.Attachment{Name: msg.Attachment.Name, Data: msg.Attachment.Data}
		}
		reply := g.dispatcher.Deliver(ctx, g.Name(), msg.UserID, msg.Text, att)

		out := outboundMessage{Type: "reply", Text: reply.Text}
		if reply.File != nil {
			out.File = &filePayload{Name: reply.File.Name, Data: reply.File.Data}
		}
		if err := wsjson.Write(ctx, conn, out); err != nil {
			return
		}
	}
}

func (g *GatewayChannel) addClient(userID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clients[userID] == nil {
		g.clients[userID] = make(map[*websocket.Conn]struct{})
	}
	g.clients[userID][conn] = struct{}{}
}

func (g *GatewayChannel) dropClient(userID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conns := g.clients[userID]; conns != nil {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(g.clients, userID)
		}
	}
}

// watchSyncEvents pushes task changes made on other platforms to connected
// gateway clients bound to the same account.
func (g *GatewayChannel) watchSyncEvents(ctx context.Context) {
	// Subscribe to everything; syncNote drops the topics that are not
	// user-visible task changes.
	sub := g.events.Subscribe("")
	defer g.events.Unsubscribe(sub)

	for {
		var ev bus.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-sub.Ch():
		}
		if !ok {
			return
		}
		payload, isAccount := ev.Payload.(bus.AccountEvent)
		if !isAccount || payload.Platform == g.Name() {
			continue
		}
		note := syncNote(ev.Topic, payload)
		if note == "" || g.sessions == nil {
			continue
		}
		sessions, err := g.sessions.SessionsForAccount(ctx, payload.AccountID)
		if err != nil {
			g.logger.Warn("session lookup failed", "error", err)
			continue
		}
		for _, s := range sessions {
			if s.Platform != g.Name() {
				continue
			}
			g.pushSync(ctx, s.PlatformID, note)
		}
	}
}

func (g *GatewayChannel) pushSync(ctx context.Context, userID, note string) {
	g.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(g.clients[userID]))
	for conn := range g.clients[userID] {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		if err := wsjson.Write(ctx, conn, outboundMessage{Type: "sync", Text: note}); err != nil {
			g.logger.Debug("sync push failed", "user_id", userID, "error", err)
		}
	}
}
