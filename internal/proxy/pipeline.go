package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"flm/internal/audit"
	"flm/internal/engine"
	"flm/internal/security"
	"flm/internal/telemetry"
)

// EngineService is the slice of the engine layer the data plane
// dispatches to.
type EngineService interface {
	ListModels(ctx context.Context, engineID string) ([]engine.ModelInfo, error)
	Chat(ctx context.Context, req engine.ChatRequest) (*engine.ChatResponse, error)
	ChatStream(ctx context.Context, req engine.ChatRequest) (<-chan engine.StreamItem, error)
	Embeddings(ctx context.Context, req engine.EmbeddingRequest) (*engine.EmbeddingResponse, error)
	Transcribe(ctx context.Context, req engine.TranscriptionRequest) (*engine.TranscriptionResponse, error)
}

const (
	// maxRequestBody is the hard body ceiling; larger requests get 413
	// and feed the oversized-body anomaly signal.
	maxRequestBody = 10 << 20

	// maxInflight caps concurrent requests per listener.
	maxInflight = 1024

	// streamIdleTimeout caps the wait for the next upstream chunk.
	streamIdleTimeout = 60 * time.Second
)

// GatewayOptions wires the enforcement core into a Gateway.
type GatewayOptions struct {
	Policy          security.Policy
	Keys            *security.KeyService
	Limiter         *security.RateLimiter
	Intrusion       *security.IntrusionDetector
	Anomaly         *security.AnomalyDetector
	Blocklist       *security.Blocklist
	Engines         EngineService
	Auditor         audit.Sink
	Telemetry       *telemetry.Provider
	TrustedProxyIPs []string
	// AdminHandler, when set, serves /admin/* on this listener. The
	// daemon sets it so loopback-bound listeners expose the control
	// surface on the data port too.
	AdminHandler http.Handler
}

// Gateway is the HTTP handler of the data plane. Every request runs
// the ordered pipeline: client IP resolution, blocklist, whitelist,
// auth, rate limits, intrusion check, dispatch, then post-response
// anomaly accounting and audit.
type Gateway struct {
	mu     sync.RWMutex
	policy security.Policy

	keys      *security.KeyService
	limiter   *security.RateLimiter
	intrusion *security.IntrusionDetector
	anomaly   *security.AnomalyDetector
	blocklist *security.Blocklist
	engines   EngineService
	auditor   audit.Sink
	telemetry *telemetry.Provider

	trustedProxies []string
	adminHandler   http.Handler
	inflight       chan struct{}
}

// NewGateway builds the data-plane handler.
func NewGateway(opts GatewayOptions) *Gateway {
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.LogSink{}
	}
	tp := opts.Telemetry
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Gateway{
		policy:         opts.Policy,
		keys:           opts.Keys,
		limiter:        opts.Limiter,
		intrusion:      opts.Intrusion,
		anomaly:        opts.Anomaly,
		blocklist:      opts.Blocklist,
		engines:        opts.Engines,
		auditor:        auditor,
		telemetry:      tp,
		trustedProxies: opts.TrustedProxyIPs,
		adminHandler:   opts.AdminHandler,
		inflight:       make(chan struct{}, maxInflight),
	}
}

// Housekeep drives the periodic reapers: idle rate buckets and stale
// detector entries. Runs until ctx is cancelled.
func (g *Gateway) Housekeep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.limiter != nil {
				g.limiter.Reap()
			}
			if g.intrusion != nil {
				g.intrusion.Reap()
			}
			if g.anomaly != nil {
				g.anomaly.Reap()
			}
		}
	}
}

// UpdatePolicy swaps the active policy and resets the rate buckets;
// part of hot reload.
func (g *Gateway) UpdatePolicy(p security.Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
	if g.limiter != nil {
		g.limiter.Update(p.RateLimit, p.IPRateLimit)
	}
	slog.Info("security policy updated", "id", p.ID)
}

func (g *Gateway) currentPolicy() security.Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// statusRecorder captures the response status for post-response
// accounting without getting in the way of streaming.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Backpressure: accepts beyond the cap wait for a slot.
	select {
	case g.inflight <- struct{}{}:
		defer func() { <-g.inflight }()
	case <-r.Context().Done():
		return
	}

	start := time.Now()
	policy := g.currentPolicy()
	ip := clientIP(r, g.trustedProxies)

	ctx, span := g.telemetry.StartSpan(r.Context(), "proxy.request",
		"http.method", r.Method,
		"http.path", r.URL.Path,
	)
	defer span.End()
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w}
	bodySize := r.ContentLength
	keyID := g.runPipeline(rec, r, policy, ip)

	duration := time.Since(start)
	g.postResponse(r, ip, rec.status, bodySize, duration, keyID)
}

// runPipeline executes the deny checks and dispatch; returns the id of
// the authenticated API key, if any.
func (g *Gateway) runPipeline(w http.ResponseWriter, r *http.Request, policy security.Policy, ip netip.Addr) string {
	ctx := r.Context()
	path := r.URL.Path

	// Admin surface bypasses the public pipeline; it is bearer-token
	// authenticated separately and bound to loopback.
	if g.adminHandler != nil && strings.HasPrefix(path, "/admin/") {
		g.adminHandler.ServeHTTP(w, r)
		return ""
	}

	// Step 3: IP blocklist.
	if g.blocklist != nil && ip.IsValid() && g.blocklist.IsBlocked(ctx, ip) {
		writeError(w, http.StatusForbidden, "forbidden", "address is blocked")
		return ""
	}

	// Step 4: IP whitelist (CIDR-aware); an empty list admits all.
	if len(policy.IPWhitelist) > 0 && (!ip.IsValid() || !security.IPMatchesList(ip, policy.IPWhitelist)) {
		writeError(w, http.StatusForbidden, "forbidden", "address not in allow list")
		return ""
	}

	// CORS (after the IP gates: filtered addresses get no headers).
	if applyCors(w, r, policy.Cors) {
		return ""
	}

	// Step 5: auth on non-public routes.
	var keyID string
	if !publicRoute(path) {
		rec := g.authenticate(w, r, ip)
		if rec == nil {
			return ""
		}
		keyID = rec.ID
	}

	// Step 6: per-key then per-IP token buckets; first denial wins.
	if g.limiter != nil {
		if keyID != "" {
			if ok, retry := g.limiter.Allow(security.ScopeAPIKey, keyID); !ok {
				g.denyRateLimited(w, r, ip, keyID, security.ScopeAPIKey, retry)
				return keyID
			}
		}
		if ip.IsValid() {
			if ok, retry := g.limiter.Allow(security.ScopeIP, ip.String()); !ok {
				g.denyRateLimited(w, r, ip, keyID, security.ScopeIP, retry)
				return keyID
			}
		}
	}

	// Step 7: intrusion scoring before dispatch.
	if g.intrusion != nil && ip.IsValid() {
		result := g.intrusion.Check(ip, security.IntrusionSignal{
			Path:      path,
			Query:     r.URL.RawQuery,
			Method:    r.Method,
			UserAgent: r.Header.Get("User-Agent"),
		})
		if result.Score > 0 {
			g.audit(ctx, audit.Event{
				Kind: audit.KindIntrusion, IP: ip.String(), APIKeyID: keyID,
				Path: path, Status: http.StatusForbidden,
				Detail: fmt.Sprintf("rules %s score %d cumulative %d", strings.Join(result.Rules, ","), result.Score, result.Cumulative),
			})
		}
		if result.Block {
			if g.blocklist != nil {
				if err := g.blocklist.BlockFor(ctx, ip, security.AnomalyBlockDuration, "intrusion score"); err != nil {
					slog.Warn("intrusion block failed", "ip", ip, "error", err)
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", "request rejected")
			return keyID
		}
		// Attack-shaped requests are never forwarded upstream; softer
		// signals (user-agent quirks, odd methods) only accumulate.
		if attackRule(result.Rules) {
			writeError(w, http.StatusForbidden, "forbidden", "request rejected")
			return keyID
		}
	}

	// Step 8: dispatch.
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	g.dispatch(w, r, keyID)
	return keyID
}

// authenticate extracts the Bearer token and verifies it against the
// active key set. Failures are 401, recorded against the IP blocklist.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request, ip netip.Addr) *security.ApiKeyRecord {
	ctx := r.Context()
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		g.authFailure(ctx, w, r, ip, "missing bearer token")
		return nil
	}
	rec, err := g.keys.Verify(ctx, token)
	if err != nil {
		slog.Error("key verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "verification unavailable")
		return nil
	}
	if rec == nil {
		g.authFailure(ctx, w, r, ip, "invalid api key")
		return nil
	}
	return rec
}

func (g *Gateway) authFailure(ctx context.Context, w http.ResponseWriter, r *http.Request, ip netip.Addr, detail string) {
	if g.blocklist != nil && ip.IsValid() {
		if _, err := g.blocklist.RecordFailure(ctx, ip, "auth failure"); err != nil {
			slog.Warn("auth failure not recorded", "ip", ip, "error", err)
		}
	}
	g.audit(ctx, audit.Event{
		Kind: audit.KindAuthFailure, IP: ip.String(), Path: r.URL.Path,
		Status: http.StatusUnauthorized, Detail: detail,
	})
	w.Header().Set("WWW-Authenticate", `Bearer realm="flm"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", "valid API key required")
}

func (g *Gateway) denyRateLimited(w http.ResponseWriter, r *http.Request, ip netip.Addr, keyID string, scope security.LimitScope, retry time.Duration) {
	g.audit(r.Context(), audit.Event{
		Kind: audit.KindRateLimited, IP: ip.String(), APIKeyID: keyID,
		Path: r.URL.Path, Status: http.StatusTooManyRequests,
		Detail: string(scope) + " bucket empty",
	})
	seconds := int(retry.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Scope", string(scope))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// postResponse feeds the anomaly windows and emits the request audit
// event; a tier-crossing score promotes the IP into the blocklist.
func (g *Gateway) postResponse(r *http.Request, ip netip.Addr, status int, bodySize int64, duration time.Duration, keyID string) {
	if status == 0 {
		status = http.StatusOK
	}
	// The request context may already be cancelled.
	ctx := context.WithoutCancel(r.Context())

	if g.anomaly != nil && ip.IsValid() {
		result := g.anomaly.Observe(ip, security.AnomalyObservation{
			Path:     r.URL.Path,
			Method:   r.Method,
			BodySize: bodySize,
			Duration: duration,
			Is404:    status == http.StatusNotFound,
		})
		if result.Score > 0 {
			g.audit(ctx, audit.Event{
				Kind: audit.KindAnomaly, IP: ip.String(), APIKeyID: keyID,
				Path: r.URL.Path, Status: status,
				Detail: fmt.Sprintf("tags %s score %d cumulative %d", strings.Join(result.Tags, ","), result.Score, result.Cumulative),
			})
		}
		if result.BlockDuration > 0 && g.blocklist != nil {
			if err := g.blocklist.BlockFor(ctx, ip, result.BlockDuration, "anomaly score"); err != nil {
				slog.Warn("anomaly block failed", "ip", ip, "error", err)
			} else {
				g.audit(ctx, audit.Event{
					Kind: audit.KindIPBlocked, IP: ip.String(),
					Detail: fmt.Sprintf("anomaly score %d, blocked %s", result.Cumulative, result.BlockDuration),
				})
			}
		}
	}

	g.audit(ctx, audit.Event{
		Kind: audit.KindRequest, IP: ip.String(), APIKeyID: keyID,
		Path: r.URL.Path, Status: status,
		Detail: fmt.Sprintf("%s %dms", r.Method, duration.Milliseconds()),
	})
}

func (g *Gateway) audit(ctx context.Context, e audit.Event) {
	if err := g.auditor.Append(ctx, e); err != nil {
		slog.Warn("audit append failed", "error", err)
	}
}

func publicRoute(path string) bool {
	return path == "/health"
}

func attackRule(rules []string) bool {
	for _, rule := range rules {
		if rule == "sql_injection" || rule == "path_traversal" {
			return true
		}
	}
	return false
}

// errorEnvelope is the stable JSON error shape of the public surface.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var envelope errorEnvelope
	envelope.Error.Type = kind
	envelope.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope)
}
