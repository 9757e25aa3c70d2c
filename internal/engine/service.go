package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthLogRepository persists health probe samples. Implemented by the
// storage layer; nil disables persistence.
type HealthLogRepository interface {
	RecordHealth(ctx context.Context, engineID string, kind Kind, h Health) error
}

// Service owns the adapter registry and dispatches every engine-bound
// operation. Detection results are cached per engine id with a TTL so
// repeated CLI and proxy calls do not re-probe on every request.
type Service struct {
	mu       sync.RWMutex
	engines  map[string]Engine
	states   map[string]State
	detector *Detector

	healthLog HealthLogRepository
	cacheTTL  time.Duration
	client    *http.Client
}

// NewService creates an engine service with an empty registry.
func NewService(detector *Detector, healthLog HealthLogRepository) *Service {
	if detector == nil {
		detector = NewDetector()
	}
	return &Service{
		engines:   make(map[string]Engine),
		states:    make(map[string]State),
		detector:  detector,
		healthLog: healthLog,
		cacheTTL:  30 * time.Second,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

// SetClient swaps the HTTP client used by adapters registered from
// detection; the proxy passes an egress-aware client here. Call before
// RegisterDetected.
func (s *Service) SetClient(c *http.Client) {
	if c != nil {
		s.client = c
	}
}

// Register adds or replaces an adapter in the registry.
func (s *Service) Register(e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[e.ID()] = e
	slog.Info("engine registered", "engine_id", e.ID(), "kind", e.Kind())
}

// Get resolves an adapter by engine id.
func (s *Service) Get(engineID string) (Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[engineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, engineID)
	}
	return e, nil
}

// Engines returns the registered adapters sorted by id.
func (s *Service) Engines() []Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RegisterDetected probes the canonical endpoints and registers an
// adapter for each running engine that is not already registered.
func (s *Service) RegisterDetected(ctx context.Context) {
	for _, rt := range s.detector.DetectRunning() {
		if _, err := s.Get(rt.EngineID); err == nil {
			continue
		}
		switch rt.Kind {
		case KindOllama:
			s.Register(NewOllama(rt.EngineID, rt.BaseURL, s.client))
		case KindVllm:
			s.Register(NewVllm(rt.EngineID, rt.BaseURL, s.client))
		case KindLmStudio:
			s.Register(NewLmStudio(rt.EngineID, rt.BaseURL, s.client))
		case KindLlamaCpp:
			s.Register(NewLlamaCpp(rt.EngineID, rt.BaseURL, s.client))
		}
	}
}

// DetectEngines re-classifies every known engine: registered adapters
// are health-probed, installed-but-not-running binaries are reported as
// InstalledOnly. Fresh cache entries short-circuit the probe.
func (s *Service) DetectEngines(ctx context.Context) []State {
	s.RegisterDetected(ctx)

	now := time.Now()
	var out []State
	seen := make(map[string]bool)

	for _, e := range s.Engines() {
		if st, ok := s.cachedState(e.ID(), now); ok {
			out = append(out, st)
			seen[e.ID()] = true
			continue
		}
		st := State{
			ID:           e.ID(),
			Kind:         e.Kind(),
			Name:         e.ID(),
			Health:       e.HealthCheck(ctx),
			Capabilities: e.Capabilities(),
			DetectedAt:   now,
		}
		s.storeState(st)
		s.recordHealth(ctx, st)
		out = append(out, st)
		seen[e.ID()] = true
	}

	for _, bin := range s.detector.DetectBinaries(ctx) {
		if seen[bin.EngineID] {
			continue
		}
		st := State{
			ID:         bin.EngineID,
			Kind:       bin.Kind,
			Name:       bin.Path,
			Version:    bin.Version,
			Health:     Health{State: HealthInstalledOnly},
			DetectedAt: now,
		}
		s.storeState(st)
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) cachedState(id string, now time.Time) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok || now.Sub(st.DetectedAt) > s.cacheTTL {
		return State{}, false
	}
	return st, true
}

func (s *Service) storeState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ID] = st
}

func (s *Service) recordHealth(ctx context.Context, st State) {
	if s.healthLog == nil {
		return
	}
	if err := s.healthLog.RecordHealth(ctx, st.ID, st.Kind, st.Health); err != nil {
		slog.Warn("health log write failed", "engine_id", st.ID, "error", err)
	}
}

// ListModels lists models across all registered engines, or only the
// addressed one. Engines that are not running are skipped (all-engine
// listing) or rejected (single-engine listing).
func (s *Service) ListModels(ctx context.Context, engineID string) ([]ModelInfo, error) {
	if engineID != "" {
		e, err := s.Get(engineID)
		if err != nil {
			return nil, err
		}
		return e.ListModels(ctx)
	}

	s.RegisterDetected(ctx)
	var all []ModelInfo
	for _, e := range s.Engines() {
		models, err := e.ListModels(ctx)
		if err != nil {
			slog.Warn("model listing failed", "engine_id", e.ID(), "error", err)
			continue
		}
		all = append(all, models...)
	}
	return all, nil
}

// resolve validates the engine_id / model_id pair and returns the
// adapter. Mismatches fail here, before any network I/O.
func (s *Service) resolve(engineID, modelID string) (Engine, error) {
	if _, err := ModelName(modelID, engineID); err != nil {
		return nil, &InvalidResponseError{Reason: err.Error()}
	}
	return s.Get(engineID)
}

// Chat dispatches a buffered completion to the addressed engine.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	e, err := s.resolve(req.EngineID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if !e.Capabilities().Chat {
		return nil, ErrNotSupported
	}
	return e.Chat(ctx, req)
}

// ChatStream dispatches a streaming completion.
func (s *Service) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamItem, error) {
	e, err := s.resolve(req.EngineID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if !e.Capabilities().ChatStream {
		return nil, ErrNotSupported
	}
	return e.ChatStream(ctx, req)
}

// Embeddings dispatches an embedding request.
func (s *Service) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	e, err := s.resolve(req.EngineID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if !e.Capabilities().Embeddings {
		return nil, ErrNotSupported
	}
	return e.Embeddings(ctx, req)
}

// Transcribe dispatches an audio transcription request.
func (s *Service) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	e, err := s.resolve(req.EngineID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if !e.Capabilities().AudioInputs {
		return nil, ErrNotSupported
	}
	return e.Transcribe(ctx, req)
}

// ResolveByModelID finds the adapter addressed by a bare model id, used
// by the public surface where requests carry only "model".
func (s *Service) ResolveByModelID(modelID string) (Engine, string, error) {
	engineID, model, err := ParseModelID(modelID)
	if err != nil {
		return nil, "", &InvalidResponseError{Reason: err.Error()}
	}
	e, err := s.Get(engineID)
	if err != nil {
		return nil, "", err
	}
	return e, model, nil
}
