package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// Log wraps a Store with the retention sweep. The embedded Store keeps
// the full backend surface available to callers.
type Log struct {
	Store
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLog wraps store and starts the retention ticker when both the
// retention window and sweep interval are set.
func NewLog(store Store, retention, interval time.Duration, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		Store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	if retention > 0 && interval > 0 {
		l.wg.Add(1)
		go l.cleanupLoop()
	}
	return l
}

func (l *Log) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := l.Store.CleanupOlderThan(ctx, l.retention); err != nil {
				l.logger.Warn("audit retention sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops the sweep and closes the backend.
func (l *Log) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	return l.Store.Close()
}

// NewFromConfig builds the configured audit backend wrapped in its Log.
// Postgres gets its schema created here.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Log, error) {
	var store Store
	switch cfg.Audit.Backend {
	case "postgres":
		pg, err := NewPostgresStore(cfg.Audit.PostgresConnStr, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Initialize(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		store = pg
	default:
		store = NewMemoryStore(logger)
	}

	logger.Info("audit log ready",
		zap.String("backend", store.Name()),
		zap.Int("retention_days", cfg.Audit.RetentionDays),
	)
	return NewLog(store, cfg.AuditRetention(), cfg.Audit.CleanupInterval, logger), nil
}
