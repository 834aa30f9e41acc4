package promptreg

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

//go:embed seeds/*.yaml
var seedFS embed.FS

// MemoryRegistry keeps templates in an in-process map, seeded with the
// embedded defaults so the service always has working prompts.
type MemoryRegistry struct {
	mu        sync.RWMutex
	templates map[string]Template
	logger    *zap.Logger
}

func NewMemoryRegistry(logger *zap.Logger) (*MemoryRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &MemoryRegistry{
		templates: make(map[string]Template),
		logger:    logger,
	}
	seeds, err := LoadSeeds()
	if err != nil {
		return nil, err
	}
	for _, tpl := range seeds {
		r.templates[MakeKey(tpl.Name, tpl.Version)] = tpl
	}
	return r, nil
}

// LoadSeeds parses the embedded default templates.
func LoadSeeds() ([]Template, error) {
	entries, err := seedFS.ReadDir("seeds")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]Template, 0, len(entries))
	for _, e := range entries {
		data, err := seedFS.ReadFile("seeds/" + e.Name())
		if err != nil {
			return nil, err
		}
		tpl, err := ParseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", e.Name(), err)
		}
		tpl.UpdatedAt = now
		out = append(out, *tpl)
	}
	return out, nil
}

// LoadDirectory reads every YAML template under root, overriding any
// seeded template with the same name and version.
func (r *MemoryRegistry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat prompt directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("prompt path %s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		tpl, err := ParseTemplate(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, err := r.Put(context.Background(), *tpl); err != nil {
			return err
		}
		r.logger.Info("prompt template loaded",
			zap.String("name", tpl.Name),
			zap.String("version", tpl.Version),
			zap.String("sha", tpl.ShortSha()),
		)
		return nil
	})
}

func (r *MemoryRegistry) Find(_ context.Context, name, version string) (*Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version != "" {
		if tpl, ok := r.templates[MakeKey(name, version)]; ok {
			out := tpl
			return &out, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, MakeKey(name, version))
	}

	// Latest version wins on an unversioned lookup.
	best := ""
	prefix := name + "@"
	for key := range r.templates {
		if strings.HasPrefix(key, prefix) && (best == "" || key > best) {
			best = key
		}
	}
	if best == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := r.templates[best]
	return &out, nil
}

func (r *MemoryRegistry) Put(_ context.Context, tpl Template) (*Template, error) {
	if strings.TrimSpace(tpl.Name) == "" || strings.TrimSpace(tpl.Text) == "" {
		return nil, fmt.Errorf("template name and text are required")
	}
	if tpl.Version == "" {
		tpl.Version = "v1"
	}
	tpl.Sha = ComputeSha(tpl.Text)
	tpl.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	r.templates[MakeKey(tpl.Name, tpl.Version)] = tpl
	r.mu.Unlock()
	return &tpl, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, Summary{
			Name:      tpl.Name,
			Version:   tpl.Version,
			Sha:       tpl.Sha,
			UpdatedAt: tpl.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Version < out[j].Version
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
