package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gftdcojp/asset-stream-cache/internal/config"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

// BundleSource serves assets shipped with the viewer. Lookup order is
// {dir}/{collection}/{key}_{tier}, then {dir}/{collection}/{key}, then the
// collection's placeholder. It never fails once constructed.
type BundleSource struct {
	dir          string
	placeholders map[types.Collection][]byte
	logger       *zap.Logger
}

// NewBundleSource loads the per-collection placeholders. A missing or empty
// placeholder is a configuration error.
func NewBundleSource(cfg config.BundleConfig, logger *zap.Logger) (*BundleSource, error) {
	s := &BundleSource{
		dir:          cfg.Dir,
		placeholders: make(map[types.Collection][]byte),
		logger:       logger,
	}
	for _, c := range types.AssetCollections {
		rel, ok := cfg.Placeholders[c.String()]
		if !ok || rel == "" {
			return nil, fmt.Errorf("bundle: no placeholder configured for %s", c)
		}
		data, err := os.ReadFile(filepath.Join(cfg.Dir, rel))
		if err != nil {
			return nil, fmt.Errorf("bundle: reading %s placeholder: %w", c, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("bundle: %s placeholder %s is empty", c, rel)
		}
		s.placeholders[c] = data
	}
	return s, nil
}

func (s *BundleSource) Name() string { return "bundle" }

func (s *BundleSource) Fetch(_ context.Context, ref types.AssetRef) ([]byte, error) {
	if safeName(ref.Key) {
		for _, name := range []string{ref.StorageKey(), ref.Key} {
			data, err := os.ReadFile(filepath.Join(s.dir, ref.Collection.String(), name))
			if err == nil && len(data) > 0 {
				return data, nil
			}
		}
	}

	data, ok := s.placeholders[ref.Collection]
	if !ok {
		// Collections are validated before a request reaches the chain.
		data = s.placeholders[types.CollectionModels]
	}
	s.logger.Debug("serving bundled placeholder", zap.String("ref", ref.String()))
	return append([]byte(nil), data...), nil
}

func safeName(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}
