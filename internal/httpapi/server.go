// Package httpapi exposes the relay over HTTP: the device WebSocket, the
// open/update intents, and the status pages.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/PetoAdam/homenavi/door-relay/internal/auth"
	"github.com/PetoAdam/homenavi/door-relay/internal/device"
	"github.com/PetoAdam/homenavi/door-relay/internal/dispatch"
	"github.com/PetoAdam/homenavi/door-relay/internal/ratelimit"
)

const (
	MessageDoorOpened = "The door opened successfully."
	MessageUpdateOK   = "OK"
)

type Status interface {
	Current() *device.Link
	LastChange() time.Time
}

type Commands interface {
	OpenDoor(ctx context.Context) error
	UpdateFirmware(ctx context.Context) error
}

type Sessions interface {
	Serve(ctx context.Context, link *device.Link, token string) error
}

type Options struct {
	// BaseContext parents every device session; cancelling it closes the
	// device with going-away. Defaults to context.Background.
	BaseContext context.Context
	WebSocket   device.WebSocketOptions
	// TransferTimeout bounds one firmware update. Zero means unbounded.
	TransferTimeout time.Duration
	// Limiter throttles /open and /update. Nil disables throttling.
	Limiter ratelimit.Limiter
}

type Server struct {
	guard    *auth.Guard
	status   Status
	commands Commands
	sessions Sessions
	opts     Options
	upgrader websocket.Upgrader

	// active counts running device sessions. http.Server.Shutdown does not
	// wait for hijacked connections, so Drain does.
	active sync.WaitGroup
}

func New(guard *auth.Guard, status Status, commands Commands, sessions Sessions, opts Options) *Server {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &Server{
		guard:    guard,
		status:   status,
		commands: commands,
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{
			// Door controllers are not browsers and send no Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(r chi.Router) {
	r.Get("/", s.handleHome)
	r.Get("/status", s.handleStatus)
	r.Get("/api/status", s.handleAPIStatus)
	r.Get("/ws", s.handleDeviceWS)

	r.Group(func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(ratelimit.Middleware(s.opts.Limiter, ratelimit.KeyByIP))
		}
		r.With(s.guard.RequireAPICaller).Post("/open", s.handleOpen)
		r.With(s.guard.RequireUpdateCaller).Post("/update", s.handleUpdate)
	})

	r.NotFound(s.handleNotFound)
}

var homePage = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
    <head>
        <title>Door opener endpoint</title>
    </head>
    <body>
        <h1>Door opener endpoint</h1>
        <h3>status: {{if .}}connected ✅{{else}}disconnected ❌{{end}}</h3>
    </body>
</html>
`))

const notFoundPage = `<!doctype html>
<html lang="en">
<head>
    <title>Not Found</title>
</head>
<body>
<h1>Not Found</h1><p>The requested resource was not found on this server.</p>
</body>
</html>
`

func (s *Server) connected() bool { return s.status.Current() != nil }

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := homePage.Execute(w, s.connected()); err != nil {
		slog.Error("render home page", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.connected() {
		_, _ = w.Write([]byte("True"))
		return
	}
	_, _ = w.Write([]byte("False"))
}

type statusResponse struct {
	Connected  bool       `json:"connected"`
	LastChange *time.Time `json:"last_change"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Connected: s.connected()}
	if lc := s.status.LastChange(); !lc.IsZero() {
		resp.LastChange = &lc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	slog.Debug("route not found", "method", r.Method, "path", r.URL.Path)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundPage))
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.OpenDoor(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageDoorOpened)
}

// handleUpdate keeps streaming when the caller hangs up; a half-sent image
// is worse than a finished one nobody is waiting for.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if s.opts.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TransferTimeout)
		defer cancel()
	}
	if err := s.commands.UpdateFirmware(ctx); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageUpdateOK)
}

func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("device websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.active.Add(1)
	defer s.active.Done()
	link := device.NewLink(device.NewWebSocketConn(ws, s.opts.WebSocket), r.RemoteAddr)
	if err := s.sessions.Serve(s.opts.BaseContext, link, token); err != nil {
		slog.Debug("device session refused", "link_id", link.ID(), "error", err)
	}
}

// Drain waits until every device session has released the slot and written
// its disconnect record. Call it after http.Server.Shutdown and after the
// base context is cancelled.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	var rejected *dispatch.RejectedError
	switch {
	case errors.Is(err, dispatch.ErrNoActiveConnection):
		writeDetail(w, http.StatusServiceUnavailable, "No active connection.")
	case errors.Is(err, dispatch.ErrUpdateInProgress):
		writeDetail(w, http.StatusConflict, "Firmware update already in progress.")
	case errors.As(err, &rejected):
		writeDetail(w, http.StatusBadRequest, rejected.Message)
	case errors.Is(err, dispatch.ErrTransfer):
		writeDetail(w, http.StatusInternalServerError, "Error in send firmware.")
	default:
		slog.Error("command failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": strings.TrimSpace(detail)})
}
