package reload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/repo"
)

// StoreSource reads snapshots from the durable store. An empty store is
// seeded with the defaults as version 1.
type StoreSource struct {
	Store repo.ConfigStore
}

func (s StoreSource) Fetch(ctx context.Context) (*domain.RuntimeConfig, error) {
	rc, err := s.Store.LatestConfig(ctx)
	if !errors.Is(err, repo.ErrNotFound) {
		return rc, err
	}
	rc, err = s.Store.PublishConfig(ctx, domain.DefaultSettings())
	if errors.Is(err, repo.ErrConflict) {
		// another process seeded first
		return s.Store.LatestConfig(ctx)
	}
	return rc, err
}

// Publish validates settings and stores them as the next version.
func (s StoreSource) Publish(ctx context.Context, settings domain.Settings) (*domain.RuntimeConfig, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return s.Store.PublishConfig(ctx, settings)
}

// FileSource reads a YAML file carrying a version and the settings.
// Fields missing from the file keep their defaults.
//
//	version: 4
//	send_rate_per_sec: 0.5
//	proxies:
//	  endpoints: [http://10.0.0.1:3128]
type FileSource struct {
	Path string
}

type fileConfig struct {
	Version         int64 `yaml:"version"`
	domain.Settings `yaml:",inline"`
}

func (f FileSource) Fetch(ctx context.Context) (*domain.RuntimeConfig, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, err
	}
	doc := fileConfig{Settings: domain.DefaultSettings()}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	if doc.Version <= 0 {
		return nil, fmt.Errorf("%s: version must be positive", f.Path)
	}
	sum := sha256.Sum256(b)
	return &domain.RuntimeConfig{
		Version:     doc.Version,
		Checksum:    hex.EncodeToString(sum[:]),
		Settings:    doc.Settings,
		PublishedAt: info.ModTime().UTC(),
	}, nil
}
