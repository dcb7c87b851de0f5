package events

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSHandler upgrades /ws requests and streams envelopes to the client.
type WSHandler struct {
	broadcaster *Broadcaster
	authorize   func(token string) bool
	upgrader    websocket.Upgrader
}

// NewWSHandler creates the websocket endpoint. authorize validates the
// presented credential; nil admits everyone.
func NewWSHandler(b *Broadcaster, authorize func(token string) bool) *WSHandler {
	return &WSHandler{
		broadcaster: b,
		authorize:   authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// credential extracts the token from the Authorization header or from the
// auth_type/auth_token query parameters.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return h
	}
	switch strings.ToLower(r.URL.Query().Get("auth_type")) {
	case "bearer", "basic":
		return r.URL.Query().Get("auth_token")
	}
	return ""
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authorize != nil && !h.authorize(credential(r)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events] websocket upgrade failed: %v", err)
		return
	}

	sub := h.broadcaster.Subscribe()
	log.Printf("[events] subscriber %s connected from %s", sub.ID, r.RemoteAddr)

	greeting := Envelope{
		Type:      TypeConnected,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   "event stream established",
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(greeting); err != nil {
		sub.Close()
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	go h.readLoop(conn, cancel)
	h.writeLoop(ctx, conn, sub)
}

// readLoop consumes client frames so control messages are processed; any
// read error ends the session.
func (h *WSHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
		log.Printf("[events] subscriber %s disconnected", sub.ID)
	}()

	events := make(chan Envelope, 1)
	fetchErr := make(chan error, 1)
	go func() {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				fetchErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-fetchErr:
			if !errors.Is(err, context.Canceled) {
				log.Printf("[events] subscriber %s stream ended: %v", sub.ID, err)
			}
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
