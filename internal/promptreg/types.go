// Package promptreg versions the prompt templates the drafting agents
// render. Every template carries the sha256 of its text; responses echo
// the short form so any answer can be traced back to the exact prompt
// that produced it.
package promptreg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("prompt template not found")

// Template is one versioned prompt.
type Template struct {
	Name      string    `yaml:"name" json:"name" db:"name"`
	Version   string    `yaml:"version" json:"version" db:"version"`
	Text      string    `yaml:"text" json:"text" db:"text"`
	Sha       string    `yaml:"-" json:"sha" db:"sha"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at" db:"updated_at"`
}

// ShortSha is the 12-hex prefix used in response metadata.
func (t Template) ShortSha() string {
	if len(t.Sha) < 12 {
		return t.Sha
	}
	return t.Sha[:12]
}

// Summary is the lightweight listing shape.
type Summary struct {
	Name      string    `json:"name" db:"name"`
	Version   string    `json:"version" db:"version"`
	Sha       string    `json:"sha" db:"sha"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Registry stores templates. Find with an empty version resolves the
// latest version of the name.
type Registry interface {
	Find(ctx context.Context, name, version string) (*Template, error)
	Put(ctx context.Context, tpl Template) (*Template, error)
	List(ctx context.Context) ([]Summary, error)
}

// ComputeSha hashes template text.
func ComputeSha(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// MakeKey produces the canonical map key for a name/version pair.
func MakeKey(name, version string) string {
	n := strings.TrimSpace(name)
	v := strings.TrimSpace(version)
	if v == "" {
		return n
	}
	return fmt.Sprintf("%s@%s", n, v)
}

// ParseTemplate decodes one YAML template document.
func ParseTemplate(data []byte) (*Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if strings.TrimSpace(tpl.Name) == "" {
		return nil, errors.New("template name is required")
	}
	if strings.TrimSpace(tpl.Text) == "" {
		return nil, fmt.Errorf("template %q has no text", tpl.Name)
	}
	if tpl.Version == "" {
		tpl.Version = "v1"
	}
	tpl.Sha = ComputeSha(tpl.Text)
	return &tpl, nil
}
