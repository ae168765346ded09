package events

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger"
)

// upgrader accepts same-origin and cross-origin WebSocket upgrades; the
// progress surface has no credential of its own to protect (out of scope
// per spec.md §1/§6 — it never reads back UI-owned state).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a Bus's events over WebSocket for an external UI to
// observe, grounded on the teacher's mux-based router
// (internal/api/router.go) and its WebSocket hub
// (cmd/server/handlers/silence_ws.go).
type Server struct {
	bus    Bus
	logger *slog.Logger
}

// NewServer wraps bus with an HTTP handler.
func NewServer(bus Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: bus, logger: logger.With("component", "events_server")}
}

// Router builds the mux.Router: GET /progress/ws upgrades to a live event
// feed, /progress/docs serves the generated API docs.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/progress/ws", s.serveWS).Methods(http.MethodGet)
	r.PathPrefix("/progress/docs").Handler(httpSwagger.WrapHandler)
	return r
}

// serveWS upgrades the connection and forwards every bus event as a JSON
// frame until the client disconnects.
//
//	@Summary		Stream migration progress
//	@Description	Upgrades to a WebSocket and streams progress events as JSON frames
//	@Tags			progress
//	@Router			/progress/ws [get]
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sub := &wsSubscriber{id: r.RemoteAddr, conn: conn, ctx: ctx, cancel: cancel}
	s.bus.Subscribe(sub)

	go func() {
		defer s.bus.Unsubscribe(sub)
		// Drain and discard any client-sent frames purely to detect
		// disconnects; this surface is read-only from the UI's side.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
}

type wsSubscriber struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *wsSubscriber) ID() string             { return s.id }
func (s *wsSubscriber) Context() context.Context { return s.ctx }

func (s *wsSubscriber) Send(event Event) error {
	return s.conn.WriteJSON(event)
}

func (s *wsSubscriber) Close() error {
	s.cancel()
	return s.conn.Close()
}
