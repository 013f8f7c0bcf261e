// Package service wires synapse tables to their caches and renderers.
package service

import (
	"fmt"
	"time"

	"github.com/clbarnes/CATMAID/internal/cache"
	"github.com/clbarnes/CATMAID/internal/render"
	"github.com/clbarnes/CATMAID/internal/synapse"
)

// TableServiceConfig contains the collaborators shared by all tables.
type TableServiceConfig struct {
	Source       synapse.DetectionSource
	Connectors   synapse.ConnectorIntersector
	Calibration  synapse.Calibration
	CacheTimeout time.Duration
	FetchTimeout time.Duration
	MaxSkeletons int
	ZOffset      float64
	Images       *cache.Manager
	Renderer     *render.OverviewRenderer
	// Now overrides the clock of the table's result cache.
	Now func() time.Time
}

// TableService is one synapse detection table with its own result cache.
type TableService struct {
	id        string
	createdAt time.Time
	table     *synapse.Table
	images    *cache.Manager
	renderer  *render.OverviewRenderer
}

// NewPipeline builds the fetch, aggregate and enrich pipeline.
func NewPipeline(cfg TableServiceConfig) *synapse.Pipeline {
	return &synapse.Pipeline{
		Source:   cfg.Source,
		Enricher: synapse.NewEnricher(cfg.Connectors, cfg.Calibration),
	}
}

// NewTableService creates a table with a fresh result cache.
func NewTableService(id string, cfg TableServiceConfig) (*TableService, error) {
	pipeline := NewPipeline(cfg)
	rc, err := synapse.NewResultCache(synapse.ResultCacheConfig{
		Fetcher:      pipeline,
		Timeout:      cfg.CacheTimeout,
		FetchTimeout: cfg.FetchTimeout,
		MaxSkeletons: cfg.MaxSkeletons,
		Now:          cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	table := synapse.NewTable(synapse.TableConfig{
		Cache:       rc,
		Enricher:    pipeline.Enricher,
		Calibration: cfg.Calibration,
		ZOffset:     cfg.ZOffset,
	})

	return &TableService{
		id:        id,
		createdAt: time.Now(),
		table:     table,
		images:    cfg.Images,
		renderer:  cfg.Renderer,
	}, nil
}

// ID returns the table id.
func (s *TableService) ID() string {
	return s.id
}

// CreatedAt returns when the table was created.
func (s *TableService) CreatedAt() time.Time {
	return s.createdAt
}

// Table returns the underlying table.
func (s *TableService) Table() *synapse.Table {
	return s.table
}

// Overview renders the current rows, serving repeated requests from the
// image cache until the table is reloaded.
func (s *TableService) Overview(colormapName string) ([]byte, error) {
	if s.renderer == nil {
		return nil, fmt.Errorf("overview rendering is not configured")
	}
	name, err := s.renderer.ResolveColormap(colormapName)
	if err != nil {
		return nil, err
	}

	key := cache.OverviewKey(s.renderer.Size(), name, s.id, s.table.Version(), s.table.Skeletons())
	if s.images != nil {
		if data, ok := s.images.GetImage(key); ok {
			return data, nil
		}
	}

	data, err := s.renderer.Render(s.table.Rows(), name)
	if err != nil {
		return nil, err
	}
	if s.images != nil {
		// A failed cache write only costs a re-render.
		_ = s.images.SetImage(key, data)
	}
	return data, nil
}
