package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/pkg/storage"
)

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.New(storage.Config{Provider: "local", BaseURL: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	u, err := s.Store(context.Background(), "my report.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "/uploads/"))
	assert.True(t, strings.HasSuffix(u, "-my_report.pdf"))

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(u, "/uploads/")))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestStoreNamesDoNotCollide(t *testing.T) {
	s, err := storage.New(storage.Config{BaseURL: t.TempDir(), PublicURL: "https://cdn.example.com/files/"})
	require.NoError(t, err)

	a, err := s.Store(context.Background(), "doc.pdf", []byte("a"))
	require.NoError(t, err)
	b, err := s.Store(context.Background(), "doc.pdf", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "https://cdn.example.com/files/"))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := storage.New(storage.Config{Provider: "ftp"})
	assert.Error(t, err)

	_, err = storage.New(storage.Config{Provider: "s3", BaseURL: "gs://bucket"})
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":        "report.pdf",
		"my report (1).pdf": "my_report__1_.pdf",
		"../../etc/passwd":  "passwd",
		"C:\\docs\\a b.pdf": "a_b.pdf",
		"résumé.pdf":        "r_sum_.pdf",
	}
	for in, want := range tests {
		assert.Equal(t, want, storage.SanitizeName(in), in)
	}
}
