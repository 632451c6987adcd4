package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// Config selects where uploaded files are written and how their
// retrievable URL is built.
type Config struct {
	Provider  string // local, s3 or gs
	BaseURL   string // directory or bucket URL the file is written under
	PublicURL string // prefix of the returned URL; empty means the storage URL itself
}

// Storage writes raw uploads through afs, so the same code serves a local
// directory and a cloud bucket.
type Storage struct {
	config Config
	fs     afs.Service
}

func New(config Config) (*Storage, error) {
	if config.Provider == "" {
		config.Provider = "local"
	}

	switch config.Provider {
	case "local":
		if config.BaseURL == "" {
			config.BaseURL = filepath.Join("public", "uploads")
		}
		if !strings.Contains(config.BaseURL, "://") {
			abs, err := filepath.Abs(config.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve upload dir: %v", err)
			}
			config.BaseURL = "file://" + abs
		}
		if config.PublicURL == "" {
			config.PublicURL = "/uploads"
		}
	case "s3", "gs":
		if !strings.HasPrefix(config.BaseURL, config.Provider+"://") {
			return nil, fmt.Errorf("storage base url %q must start with %s://", config.BaseURL, config.Provider)
		}
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", config.Provider)
	}

	return &Storage{config: config, fs: afs.New()}, nil
}

// Store writes data under a collision-free name derived from name and
// returns the URL the file can be retrieved from.
func (s *Storage) Store(ctx context.Context, name string, data []byte) (string, error) {
	filename := uuid.NewString() + "-" + SanitizeName(name)
	target := url.Join(s.config.BaseURL, filename)

	if err := s.fs.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}

	if s.config.PublicURL == "" {
		return target, nil
	}
	return strings.TrimRight(s.config.PublicURL, "/") + "/" + filename, nil
}

// Dir returns the local directory uploads are written to, or "" for
// cloud providers.
func (s *Storage) Dir() string {
	if s.config.Provider != "local" {
		return ""
	}
	return url.Path(s.config.BaseURL)
}

// SanitizeName replaces every character outside [a-zA-Z0-9.-] with '_'.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	return unsafeName.ReplaceAllString(name, "_")
}
