package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// Manager wraps a Store with the idle-conversation cleanup loop and the
// persona seeding shortcut. The embedded Store keeps the full backend
// surface available to callers.
type Manager struct {
	Store
	cfg    config.MemoryConfig
	logger *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wraps store and starts the cleanup ticker when the backend
// needs one (Redis expires conversations itself).
func NewManager(store Store, cfg config.MemoryConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		Store:  store,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if cfg.IdleTTL > 0 && cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}
	return m
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			cutoff := time.Now().Add(-m.cfg.IdleTTL)
			if _, err := m.Store.CleanupIdleConversations(ctx, cutoff); err != nil {
				m.logger.Warn("conversation cleanup failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RecentTurns is the context window size for prompt assembly.
func (m *Manager) RecentTurns() int {
	if m.cfg.RecentTurns > 0 {
		return m.cfg.RecentTurns
	}
	return 3
}

// EnsurePersona returns the stored persona for a user, creating it from
// the seeded variant defaults on first access. An empty variant defaults
// to administrator.
func (m *Manager) EnsurePersona(ctx context.Context, userID, variant string) (*Persona, error) {
	p, err := m.Store.GetPersona(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPersonaNotFound) {
		return nil, err
	}
	if variant == "" {
		variant = VariantAdministrator
	}
	seeded, err := DefaultPersona(userID, variant)
	if err != nil {
		return nil, err
	}
	return m.Store.PutPersona(ctx, *seeded)
}

// Close stops the cleanup loop and closes the backend.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return m.Store.Close()
}
