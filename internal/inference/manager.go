package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/llm/providers"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// BackendFactory opens the backend for a driver.
type BackendFactory func(llm.DriverConfig) (llm.Backend, error)

// Manager owns backends (one per driver) and the live sessions on them.
type Manager struct {
	factory BackendFactory
	logger  *zap.Logger
	metrics *utils.InferenceMetrics

	mu       sync.Mutex
	backends map[string]llm.Backend
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackendFactory replaces the default provider-based factory.
func WithBackendFactory(f BackendFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *utils.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = utils.NewInferenceMetrics(c, nil) }
}

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   utils.GetLogger(),
		backends: make(map[string]llm.Backend),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("inference")
	if m.metrics == nil {
		m.metrics = utils.NewInferenceMetrics(nil, m.logger)
	}
	if m.factory == nil {
		m.factory = func(d llm.DriverConfig) (llm.Backend, error) {
			return providers.NewBackend(d, m.logger)
		}
	}
	return m
}

func sessionKey(d llm.DriverConfig, id string) string {
	return llm.DriverKey(d) + "#" + id
}

func (m *Manager) backend(d llm.DriverConfig) (llm.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := llm.DriverKey(d)
	if b, ok := m.backends[key]; ok {
		return b, nil
	}
	b, err := m.factory(d)
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", key, err)
	}
	m.backends[key] = b
	return b, nil
}

// FindOrCreate returns a session whose cache can be brought to static+dynamic.
//
// The stored reference is reused when its driver and static prompt hash match
// and the backend still knows the session. needDecode is false only when the
// stored dynamic hash also matches, meaning the cache already holds the full
// prompt. Any driver or static mismatch destroys the old session.
//
// The returned ref reflects the cache after the caller has decoded (when
// needDecode) and carries over the stored simulation and agent.
func (m *Manager) FindOrCreate(ctx context.Context, driver llm.DriverConfig, stored *models.SessionRef, static, dynamic string) (*Session, models.SessionRef, bool, error) {
	staticHash := utils.PromptDigest(static)
	dynamicHash := utils.PromptDigest(dynamic)

	driverJSON, err := llm.MarshalDriver(driver)
	if err != nil {
		return nil, models.SessionRef{}, false, err
	}
	ref := models.SessionRef{
		Driver:            driverJSON,
		StaticPromptHash:  staticHash,
		DynamicPromptHash: dynamicHash,
		UpdatedAt:         time.Now().UTC(),
	}
	if stored != nil {
		ref.SimulationID = stored.SimulationID
		ref.Agent = stored.Agent
	}

	backend, err := m.backend(driver)
	if err != nil {
		return nil, ref, false, err
	}

	if stored != nil && stored.SessionID != "" {
		storedDriver, derr := llm.UnmarshalDriver(stored.Driver)
		if derr == nil && llm.EqualDrivers(storedDriver, driver) && stored.StaticPromptHash == staticHash {
			session, ok, err := m.locate(ctx, driver, backend, stored.SessionID)
			if err != nil {
				return nil, ref, false, err
			}
			if ok {
				needDecode := stored.DynamicPromptHash != dynamicHash
				ref.SessionID = session.ID()
				m.metrics.RecordSessionReuse(true, needDecode)
				m.logger.Debug("session reused",
					zap.String("session_id", ref.SessionID),
					zap.Bool("need_decode", needDecode))
				return session, ref, needDecode, nil
			}
		} else {
			m.discard(ctx, storedDriver, stored.SessionID)
		}
	}

	session, err := m.create(ctx, driver, backend, "")
	if err != nil {
		return nil, ref, false, err
	}
	ref.SessionID = session.ID()
	m.metrics.RecordSessionReuse(false, true)
	return session, ref, true, nil
}

// locate finds a live session in this process, or adopts one the backend
// still holds.
func (m *Manager) locate(ctx context.Context, driver llm.DriverConfig, backend llm.Backend, id string) (*Session, bool, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionKey(driver, id)]
	m.mu.Unlock()
	if ok && session.State() != StateDestroyed {
		return session, true, nil
	}

	exists, err := backend.HasSession(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("lookup session %s: %w", id, err)
	}
	if !exists {
		return nil, false, nil
	}
	session, err = m.create(ctx, driver, backend, id)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (m *Manager) create(ctx context.Context, driver llm.DriverConfig, backend llm.Backend, id string) (*Session, error) {
	session := newSession(driver, backend, m.logger, m.metrics)
	if err := session.start(ctx, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[sessionKey(driver, session.ID())] = session
	m.mu.Unlock()
	return session, nil
}

// discard destroys a session that can no longer be reused. Failures are
// logged; a stale backend session only costs memory on the backend.
func (m *Manager) discard(ctx context.Context, driver llm.DriverConfig, id string) {
	if driver == nil {
		return
	}
	m.mu.Lock()
	session, ok := m.sessions[sessionKey(driver, id)]
	delete(m.sessions, sessionKey(driver, id))
	m.mu.Unlock()

	if ok {
		if err := session.Destroy(ctx); err != nil {
			m.logger.Warn("destroy stale session", zap.String("session_id", id), zap.Error(err))
		}
		return
	}
	backend, err := m.backend(driver)
	if err != nil {
		m.logger.Warn("open backend for stale session", zap.Error(err))
		return
	}
	if err := backend.DestroySession(ctx, id); err != nil {
		m.logger.Warn("destroy stale session", zap.String("session_id", id), zap.Error(err))
	}
}

// Destroy tears down a session and forgets it.
func (m *Manager) Destroy(ctx context.Context, session *Session) error {
	m.mu.Lock()
	delete(m.sessions, sessionKey(session.Driver(), session.ID()))
	m.mu.Unlock()
	return session.Destroy(ctx)
}

// Close destroys every session concurrently, then closes the backends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	backends := m.backends
	m.backends = make(map[string]llm.Backend)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error { return s.Destroy(gctx) })
	}
	err := g.Wait()

	for key, b := range backends {
		if cerr := b.Close(); cerr != nil {
			m.logger.Warn("close backend", zap.String("driver", key), zap.Error(cerr))
		}
	}
	return err
}
