package promptreg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryRegistrySeedsDefaults(t *testing.T) {
	r, err := NewMemoryRegistry(zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"ask", "letter", "system"} {
		tpl, err := r.Find(ctx, name, "")
		require.NoError(t, err, "seed %s must exist", name)
		assert.NotEmpty(t, tpl.Text)
		assert.Len(t, tpl.Sha, 64)
		assert.Len(t, tpl.ShortSha(), 12)
	}

	ask, _ := r.Find(ctx, "ask", "")
	assert.Contains(t, ask.Text, "{{.Question}}")
	assert.Contains(t, ask.Text, "[#{{.Index}}]")

	letter, _ := r.Find(ctx, "letter", "")
	assert.Contains(t, letter.Text, "{{.Purpose}}")
	assert.Contains(t, letter.Text, `"subject"`)
}

func TestMemoryRegistryFindLatestVersion(t *testing.T) {
	r, err := NewMemoryRegistry(zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Put(ctx, Template{Name: "ask", Version: "v2", Text: "updated ask prompt {{.Question}}"})
	require.NoError(t, err)

	latest, err := r.Find(ctx, "ask", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Version)

	pinned, err := r.Find(ctx, "ask", "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", pinned.Version)

	_, err = r.Find(ctx, "ask", "v9")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Find(ctx, "unknown", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryPutComputesSha(t *testing.T) {
	r, err := NewMemoryRegistry(zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	a, err := r.Put(ctx, Template{Name: "custom", Text: "some prompt"})
	require.NoError(t, err)
	b, err := r.Put(ctx, Template{Name: "custom2", Text: "some prompt"})
	require.NoError(t, err)
	assert.Equal(t, a.Sha, b.Sha, "sha depends on text alone")
	assert.Equal(t, "v1", a.Version)

	_, err = r.Put(ctx, Template{Name: "", Text: "x"})
	assert.Error(t, err)
}

func TestMemoryRegistryLoadDirectoryOverridesSeeds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ask.yaml"), []byte(
		"name: ask\nversion: v1\ntext: |\n  site-specific ask prompt {{.Question}}\n"), 0o644))

	r, err := NewMemoryRegistry(zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.LoadDirectory(dir))

	tpl, err := r.Find(context.Background(), "ask", "v1")
	require.NoError(t, err)
	assert.Contains(t, tpl.Text, "site-specific")
}

func TestMemoryRegistryList(t *testing.T) {
	r, err := NewMemoryRegistry(zaptest.NewLogger(t))
	require.NoError(t, err)

	list, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	// Sorted by name.
	assert.Equal(t, "ask", list[0].Name)
	assert.Equal(t, "letter", list[1].Name)
	assert.Equal(t, "system", list[2].Name)
}

func TestParseTemplateValidation(t *testing.T) {
	_, err := ParseTemplate([]byte("version: v1\ntext: no name"))
	assert.Error(t, err)

	_, err = ParseTemplate([]byte("name: empty"))
	assert.Error(t, err)

	tpl, err := ParseTemplate([]byte("name: ok\ntext: hello"))
	require.NoError(t, err)
	assert.Equal(t, "v1", tpl.Version)
	assert.Equal(t, ComputeSha("hello"), tpl.Sha)
}
