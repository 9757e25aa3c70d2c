// Package control implements the loopback admin API the daemon exposes
// to CLI invocations: start/stop/status/reload for proxy handles, a
// health probe, and a live audit-event feed over WebSocket. Every
// route is bearer-token authenticated; the listener binds loopback
// only.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"flm/internal/audit"
	"flm/internal/proxy"
)

// Handler serves the admin API.
type Handler struct {
	proxies *proxy.Service
	token   string
	mux     *http.ServeMux
	events  *EventBroker
}

// New creates the admin handler. token guards every route. events may
// be nil; pass the broker already wired into the audit fanout to let
// admin clients stream security events live.
func New(proxies *proxy.Service, token string, events *EventBroker) *Handler {
	if events == nil {
		events = NewEventBroker()
	}
	h := &Handler{
		proxies: proxies,
		token:   token,
		mux:     http.NewServeMux(),
		events:  events,
	}
	h.mux.HandleFunc("/admin/health", h.handleHealth)
	h.mux.HandleFunc("/admin/start", h.handleStart)
	h.mux.HandleFunc("/admin/stop", h.handleStop)
	h.mux.HandleFunc("/admin/status", h.handleStatus)
	h.mux.HandleFunc("/admin/reload", h.handleReload)
	h.mux.HandleFunc("/admin/events", h.handleEvents)
	return h
}

// Events returns the broker; wire it into the audit fanout so admin
// clients see security events live.
func (h *Handler) Events() *EventBroker { return h.events }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="flm-admin"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":   "unauthorized",
			"message": "valid admin token required",
		})
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// WebSocket clients cannot always set headers; the event feed
		// accepts the token as a query parameter.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cfg proxy.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_config", "message": "malformed body"})
		return
	}
	handle, err := h.proxies.Start(r.Context(), cfg)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

type stopRequest struct {
	Port     int    `json:"port,omitempty"`
	HandleID string `json:"handle_id,omitempty"`
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_config", "message": "malformed body"})
		return
	}
	var err error
	switch {
	case req.HandleID != "":
		err = h.proxies.Stop(r.Context(), req.HandleID)
	case req.Port != 0:
		err = h.proxies.StopByPort(r.Context(), req.Port)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_config", "message": "port or handle_id required"})
		return
	}
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handles := h.proxies.Status(r.Context())
	if handles == nil {
		handles = []proxy.Handle{}
	}
	writeJSON(w, http.StatusOK, handles)
}

type reloadRequest struct {
	HandleID string `json:"handle_id"`
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_config", "message": "malformed body"})
		return
	}
	if err := h.proxies.Reload(r.Context(), req.HandleID); err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleEvents streams audit events to the client as JSON text frames.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("event feed accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := h.events.Subscribe()
	defer h.events.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub:
			if !open {
				return
			}
			raw, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeProxyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal_error"
	switch err.(type) {
	case *proxy.InvalidConfigError:
		status, kind = http.StatusBadRequest, "invalid_config"
	case *proxy.PortInUseError:
		status, kind = http.StatusConflict, "port_in_use"
	case *proxy.HandleNotFoundError:
		status, kind = http.StatusNotFound, "handle_not_found"
	}
	writeJSON(w, status, map[string]string{"error": kind, "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin response encoding failed", "error", err)
	}
}

// EventBroker fans audit events out to connected admin clients. Slow
// subscribers drop events rather than stalling the data plane.
type EventBroker struct {
	mu   sync.Mutex
	subs map[chan audit.Event]struct{}
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{subs: make(map[chan audit.Event]struct{})}
}

// Subscribe registers a buffered event channel.
func (b *EventBroker) Subscribe() chan audit.Event {
	ch := make(chan audit.Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription.
func (b *EventBroker) Unsubscribe(ch chan audit.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Append implements audit.Sink.
func (b *EventBroker) Append(_ context.Context, e audit.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}
