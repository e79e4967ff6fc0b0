package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

const validManifest = `
packages:
  - id: minimal
    name: Minimal
    description: test bundle
    resources:
      - kind: library
        name: runtime.wasm
        size: 1024
        url: https://cdn.example.com/runtime.wasm
        checksum: 5f4dcc3b5aa765d61d8327deb882cf995c3e2a7d33f6c04fc9f0e5a1b7c8d2e1
      - kind: model
        name: model.gguf
        size: 2048
        url: https://cdn.example.com/model.gguf
        fallback_url: https://mirror.example.com/model.gguf
      - kind: corpus
        name: wiki.db
        size: 4096
        url: https://cdn.example.com/wiki.db
        optional: true
`

func TestParse_ValidManifest(t *testing.T) {
	c, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	pkg, err := c.Get("minimal")
	require.NoError(t, err)
	assert.Equal(t, "Minimal", pkg.Name)
	require.Len(t, pkg.Resources, 3)
	assert.Equal(t, int64(1024+2048+4096), pkg.TotalSize())

	// Declaration order is preserved.
	assert.Equal(t, KindLibrary, pkg.Resources[0].Kind)
	assert.Equal(t, KindCorpus, pkg.Resources[2].Kind)
}

func TestGet_UnknownPackage(t *testing.T) {
	c, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	_, err = c.Get("mega")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidPackage, apperrors.GetCode(err))
	assert.Contains(t, err.(*apperrors.AppError).Suggestion, "minimal")
}

func TestResource_Criticality(t *testing.T) {
	c, err := Parse([]byte(validManifest))
	require.NoError(t, err)
	pkg, err := c.Get("minimal")
	require.NoError(t, err)

	assert.True(t, pkg.Resources[0].Critical(), "library is critical")
	assert.True(t, pkg.Resources[1].Critical(), "model is critical")
	assert.False(t, pkg.Resources[2].Critical(), "optional corpus shard is not")
}

func TestKind_Collection(t *testing.T) {
	assert.Equal(t, "library-files", KindLibrary.Collection())
	assert.Equal(t, "model-files", KindModel.Collection())
	assert.Equal(t, "articles", KindCorpus.Collection())
}

func TestParse_RejectsInvalidManifests(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(string) string
		wantCode string
	}{
		{
			"bad kind",
			func(m string) string { return strings.Replace(m, "kind: corpus", "kind: database", 1) },
			apperrors.ErrCodeInvalidResource,
		},
		{
			"zero size",
			func(m string) string { return strings.Replace(m, "size: 1024", "size: 0", 1) },
			apperrors.ErrCodeInvalidResource,
		},
		{
			"bad checksum",
			func(m string) string {
				return strings.Replace(m, "checksum: 5f4dcc3b5aa765d61d8327deb882cf995c3e2a7d33f6c04fc9f0e5a1b7c8d2e1", "checksum: zz", 1)
			},
			apperrors.ErrCodeInvalidResource,
		},
		{
			"ftp url",
			func(m string) string {
				return strings.Replace(m, "https://cdn.example.com/runtime.wasm", "ftp://cdn.example.com/runtime.wasm", 1)
			},
			apperrors.ErrCodeInvalidResource,
		},
		{
			"duplicate resource name",
			func(m string) string { return strings.Replace(m, "name: model.gguf", "name: runtime.wasm", 1) },
			apperrors.ErrCodeInvalidPackage,
		},
		{
			"missing package id",
			func(m string) string { return strings.Replace(m, "id: minimal", "id: \"\"", 1) },
			apperrors.ErrCodeInvalidPackage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(validManifest)))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
		})
	}
}

func TestParse_EmptyManifest(t *testing.T) {
	_, err := Parse([]byte("packages: []"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidPackage, apperrors.GetCode(err))
}

func TestLoadEmbedded(t *testing.T) {
	c, err := LoadEmbedded()
	require.NoError(t, err)

	assert.Equal(t, []string{"extended", "minimal", "standard"}, c.IDs())

	for _, pkg := range c.Packages() {
		assert.NotEmpty(t, pkg.CorpusResources(), "every package ships a corpus")
		assert.Greater(t, pkg.TotalSize(), int64(0))
	}
}
