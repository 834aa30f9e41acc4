// Package demo serves canned responses when the service runs without live
// providers. Fixtures live in hand-editable JSON files keyed by a
// normalized signature of the question or purpose; missing files are
// seeded with defaults on startup, and an optional watcher hot-reloads
// edits. A failed reload keeps the last good fixture set.
package demo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// signatureMaxLen bounds the normalized signature so minor trailing
// differences between phrasings still match the same fixture.
const signatureMaxLen = 20

// Service matches requests against the loaded fixture set.
type Service struct {
	cfg    config.DemoConfig
	logger *zap.Logger

	mu      sync.RWMutex
	asks    map[string]AskFixture
	letters map[string]LetterFixture

	traceMu sync.Mutex

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the fixture service. When demo mode is disabled the service
// is inert: no files are touched and Enabled reports false. When enabled,
// missing fixture files are created with seed content before loading.
func New(cfg config.DemoConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return s, nil
	}

	if err := s.ensureDefaults(); err != nil {
		cancel()
		return nil, err
	}
	if err := s.reload(); err != nil {
		cancel()
		return nil, err
	}
	if cfg.WatchFiles {
		if err := s.startWatcher(); err != nil {
			logger.Warn("fixture watcher unavailable, hot reload disabled", zap.Error(err))
		}
	}

	s.mu.RLock()
	asks, letters := len(s.asks), len(s.letters)
	s.mu.RUnlock()
	logger.Info("demo fixtures loaded",
		zap.String("path", cfg.FixturesPath),
		zap.Int("ask_fixtures", asks),
		zap.Int("letter_fixtures", letters))
	return s, nil
}

// Enabled reports whether fixture matching is active. Safe on a nil
// receiver so callers can hold an optional service.
func (s *Service) Enabled() bool {
	return s != nil && s.cfg.Enabled
}

// MatchAsk returns the fixture whose signature matches the question.
func (s *Service) MatchAsk(question string) (*AskFixture, bool) {
	sig := Signature(question)
	if sig == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.asks[sig]
	if !ok {
		return nil, false
	}
	return &f, true
}

// MatchLetter returns the fixture whose signature matches the purpose.
func (s *Service) MatchLetter(purpose string) (*LetterFixture, bool) {
	sig := Signature(purpose)
	if sig == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.letters[sig]
	if !ok {
		return nil, false
	}
	return &f, true
}

// FixtureCounts reports how many fixtures of each kind are loaded.
func (s *Service) FixtureCounts() (asks, letters int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.asks), len(s.letters)
}

// Close stops the watcher goroutine.
func (s *Service) Close() error {
	s.cancel()
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
	return nil
}

// Signature normalizes text into a fixture key: lowercased, punctuation
// stripped, runs of whitespace collapsed, truncated to the first 20
// characters.
func Signature(text string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	sig := strings.TrimSpace(b.String())
	if runes := []rune(sig); len(runes) > signatureMaxLen {
		sig = string(runes[:signatureMaxLen])
	}
	return sig
}

// PromptSha derives the fixture prompt hash: "DEMO_" plus the first 12
// hex characters of SHA-256 over the normalized signature. The prefix
// lets downstream consumers tell fixture responses from live ones.
func PromptSha(text string) string {
	sum := sha256.Sum256([]byte(Signature(text)))
	return "DEMO_" + hex.EncodeToString(sum[:])[:12]
}

// ensureDefaults creates the fixture directory and seeds any missing
// fixture file with default content.
func (s *Service) ensureDefaults() error {
	if err := os.MkdirAll(s.cfg.FixturesPath, 0o755); err != nil {
		return fmt.Errorf("create fixtures dir: %w", err)
	}
	askPath := filepath.Join(s.cfg.FixturesPath, askFixtureFile)
	if _, err := os.Stat(askPath); os.IsNotExist(err) {
		if err := writeFixtureFile(askPath, defaultAskFixtures()); err != nil {
			return err
		}
		s.logger.Info("created default ask fixtures", zap.String("path", askPath))
	}
	letterPath := filepath.Join(s.cfg.FixturesPath, letterFixtureFile)
	if _, err := os.Stat(letterPath); os.IsNotExist(err) {
		if err := writeFixtureFile(letterPath, defaultLetterFixtures()); err != nil {
			return err
		}
		s.logger.Info("created default letter fixtures", zap.String("path", letterPath))
	}
	return nil
}

// reload replaces the fixture set from disk. Both files must parse; on
// any error the current set stays in place.
func (s *Service) reload() error {
	asks, err := loadAskFixtures(filepath.Join(s.cfg.FixturesPath, askFixtureFile))
	if err != nil {
		return err
	}
	letters, err := loadLetterFixtures(filepath.Join(s.cfg.FixturesPath, letterFixtureFile))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.asks = asks
	s.letters = letters
	s.mu.Unlock()
	return nil
}

// startWatcher watches the fixture directory so edits and atomic file
// replacements both trigger a reload.
func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fixture watcher: %w", err)
	}
	if err := watcher.Add(s.cfg.FixturesPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch fixtures dir: %w", err)
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watchFixtureFiles()
	return nil
}

func (s *Service) watchFixtureFiles() {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != askFixtureFile && name != letterFixtureFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Give the writer a moment to finish before parsing.
			time.Sleep(100 * time.Millisecond)
			if err := s.reload(); err != nil {
				s.logger.Error("fixture reload failed, keeping previous set",
					zap.String("file", event.Name), zap.Error(err))
				continue
			}
			s.logger.Info("fixtures reloaded", zap.String("file", event.Name))

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("fixture watcher error", zap.Error(err))

		case <-s.ctx.Done():
			return
		}
	}
}
