// Package ws implements the WebSocket event stream endpoint. Clients
// connect, optionally scoped to one workspace, and receive every engine
// event as a JSON text message in real time.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/events"
)

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 10 * time.Second

// Server streams engine events to WebSocket subscribers.
type Server struct {
	bus    *events.Bus
	logger *slog.Logger
}

// NewServer creates a WebSocket event server over the given bus.
func NewServer(bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{bus: bus, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Optional per-workspace filter.
	workspaceID := r.URL.Query().Get("workspace_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"ngome-events-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn, workspaceID)
}

// stream subscribes to the bus and forwards events until the client
// disconnects or the context is canceled.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, workspaceID string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	s.logger.Info("event stream subscriber connected",
		slog.String("workspace_id", workspaceID),
	)

	// Reader goroutine: the client sends nothing meaningful, but reads
	// must be drained for control frames and to detect disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if workspaceID != "" && ev.WorkspaceID != workspaceID {
				continue
			}
			if err := s.write(ctx, conn, ev); err != nil {
				s.logger.Debug("event stream write failed, dropping subscriber",
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
