package synapse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrSuperseded is returned by Table.Update when a newer update or a clear
// started before this one finished. Its rows are not applied.
var ErrSuperseded = errors.New("table update superseded")

// ErrRowNotFound is returned when a synapse id is not in the table.
var ErrRowNotFound = errors.New("synapse row not found")

// Column names a sortable table column.
type Column string

const (
	ColumnSynapseID   Column = "detected_synapse_id"
	ColumnSkeletonID  Column = "skeleton_id"
	ColumnUncertainty Column = "uncertainty"
	ColumnSizePx      Column = "size_px"
	ColumnSlices      Column = "slices"
	ColumnConnectors  Column = "intersecting_connectors"
)

// ParseColumn validates a column name. The empty string selects the
// synapse id column.
func ParseColumn(s string) (Column, error) {
	switch c := Column(s); c {
	case "":
		return ColumnSynapseID, nil
	case ColumnSynapseID, ColumnSkeletonID, ColumnUncertainty, ColumnSizePx, ColumnSlices, ColumnConnectors:
		return c, nil
	}
	return "", fmt.Errorf("unknown column %q", s)
}

// Query selects a page of table rows.
type Query struct {
	OrderBy    Column
	Descending bool
	// Search is a regular expression matched against the skeleton id column.
	Search string
	Start  int
	Length int // <= 0 means all rows
}

// Page is one page of table rows.
type Page struct {
	Total    int              `json:"records_total"`
	Filtered int              `json:"records_filtered"`
	Rows     []SynapseSummary `json:"data"`
}

// NavigationTarget is where a viewer should move to show a synapse.
type NavigationTarget struct {
	SynapseID  int64  `json:"synapse_id"`
	SkeletonID int64  `json:"skeleton_id"`
	Pixel      Point3 `json:"pixel"`
	Project    Point3 `json:"project"`
}

// TableConfig contains table configuration.
type TableConfig struct {
	Cache       *ResultCache
	Enricher    *Enricher
	Calibration Calibration
	// ZOffset is subtracted from the pixel z of navigation targets.
	ZOffset float64
}

// Table is one synapse detection table: a skeleton selection and the rows
// last loaded for it.
type Table struct {
	cache       *ResultCache
	enricher    *Enricher
	calibration Calibration
	zOffset     float64

	mu        sync.Mutex
	skeletons []int64
	rows      []SynapseSummary
	cycle     uint64
	updatedAt time.Time
	// version changes whenever the rows change.
	version uint64
}

// NewTable creates a table.
func NewTable(cfg TableConfig) *Table {
	return &Table{
		cache:       cfg.Cache,
		enricher:    cfg.Enricher,
		calibration: cfg.Calibration,
		zOffset:     cfg.ZOffset,
	}
}

// Cache returns the result cache backing the table.
func (t *Table) Cache() *ResultCache {
	return t.cache
}

// Add selects skeletons. Already selected ids are ignored.
func (t *Table) Add(skeletonIDs ...int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range skeletonIDs {
		if !slices.Contains(t.skeletons, id) {
			t.skeletons = append(t.skeletons, id)
		}
	}
}

// Remove deselects skeletons and drops their rows.
func (t *Table) Remove(skeletonIDs ...int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.skeletons = slices.DeleteFunc(t.skeletons, func(id int64) bool {
		return slices.Contains(skeletonIDs, id)
	})
	t.rows = slices.DeleteFunc(t.rows, func(r SynapseSummary) bool {
		return slices.Contains(skeletonIDs, r.SkelID)
	})
	t.version++
}

// Skeletons returns the selected skeleton ids in selection order.
func (t *Table) Skeletons() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.skeletons)
}

// UpdatedAt returns when rows were last applied.
func (t *Table) UpdatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updatedAt
}

// Version returns a counter that changes whenever the rows change.
func (t *Table) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Clear empties the cache, the selection and the rows.
func (t *Table) Clear() {
	t.cache.Clear()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.skeletons = nil
	t.rows = nil
	t.cycle++
	t.version++
}

// Refresh empties the cache and reloads every selected skeleton.
func (t *Table) Refresh(ctx context.Context) ([]SynapseSummary, error) {
	t.cache.Clear()
	return t.Update(ctx)
}

// Update loads rows for every selected skeleton and replaces the table rows
// once all of them have arrived. Skeletons are fetched concurrently; rows are
// accumulated in selection order. Rows of skeletons removed while the update
// was running are dropped.
func (t *Table) Update(ctx context.Context) ([]SynapseSummary, error) {
	t.mu.Lock()
	t.cycle++
	cycle := t.cycle
	skeletons := slices.Clone(t.skeletons)
	t.mu.Unlock()

	results := make([][]SynapseSummary, len(skeletons))
	g, gctx := errgroup.WithContext(ctx)
	for i, skid := range skeletons {
		g.Go(func() error {
			rows, err := t.cache.Rows(gctx, skid)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]SynapseSummary, 0)
	for _, rows := range results {
		all = append(all, rows...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cycle != t.cycle {
		log.Printf("[Table] dropping rows of superseded update %d (current %d)", cycle, t.cycle)
		return nil, ErrSuperseded
	}
	all = slices.DeleteFunc(all, func(r SynapseSummary) bool {
		return !slices.Contains(t.skeletons, r.SkelID)
	})
	t.rows = all
	t.updatedAt = time.Now()
	t.version++
	return slices.Clone(all), nil
}

// Rows returns every row currently in the table.
func (t *Table) Rows() []SynapseSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.rows)
}

// Query filters, sorts and pages the current rows.
func (t *Table) Query(q Query) (Page, error) {
	var search *regexp.Regexp
	if q.Search != "" {
		re, err := regexp.Compile(q.Search)
		if err != nil {
			return Page{}, fmt.Errorf("invalid search expression: %w", err)
		}
		search = re
	}
	if q.OrderBy == "" {
		q.OrderBy = ColumnSynapseID
	}

	rows := t.Rows()
	total := len(rows)

	if search != nil {
		rows = slices.DeleteFunc(rows, func(r SynapseSummary) bool {
			return !search.MatchString(strconv.FormatInt(r.SkelID, 10))
		})
	}

	less := columnLess(q.OrderBy)
	sort.SliceStable(rows, func(i, j int) bool {
		if q.Descending {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})

	filtered := len(rows)
	start := min(max(q.Start, 0), filtered)
	end := filtered
	if q.Length > 0 && start+q.Length < end {
		end = start + q.Length
	}

	return Page{
		Total:    total,
		Filtered: filtered,
		Rows:     rows[start:end],
	}, nil
}

func columnLess(c Column) func(a, b SynapseSummary) bool {
	switch c {
	case ColumnSkeletonID:
		return func(a, b SynapseSummary) bool { return a.SkelID < b.SkelID }
	case ColumnUncertainty:
		return func(a, b SynapseSummary) bool { return a.Uncertainty < b.Uncertainty }
	case ColumnSizePx:
		return func(a, b SynapseSummary) bool { return a.SizePx < b.SizePx }
	case ColumnSlices:
		return func(a, b SynapseSummary) bool { return a.Slices < b.Slices }
	case ColumnConnectors:
		return func(a, b SynapseSummary) bool {
			return len(a.IntersectingConnectors) < len(b.IntersectingConnectors)
		}
	default:
		return func(a, b SynapseSummary) bool { return a.DetectedSynapseID < b.DetectedSynapseID }
	}
}

// Activate returns the navigation target of a row.
func (t *Table) Activate(synapseID int64) (NavigationTarget, error) {
	row, err := t.row(synapseID)
	if err != nil {
		return NavigationTarget{}, err
	}

	pixel := row.Coords
	pixel.Z -= t.zOffset
	return NavigationTarget{
		SynapseID:  row.DetectedSynapseID,
		SkeletonID: row.SkelID,
		Pixel:      pixel,
		Project:    t.calibration.StackToProject(row.Coords),
	}, nil
}

// Reintersect re-queries the connectors intersecting a single row and
// updates it in place.
func (t *Table) Reintersect(ctx context.Context, synapseID int64) ([]ConnectorInfo, error) {
	if t.enricher == nil {
		return nil, fmt.Errorf("table has no enricher")
	}
	row, err := t.row(synapseID)
	if err != nil {
		return nil, err
	}
	if err := t.enricher.EnrichOne(ctx, &row); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].DetectedSynapseID == synapseID && t.rows[i].SkelID == row.SkelID {
			t.rows[i].IntersectingConnectors = row.IntersectingConnectors
			t.version++
		}
	}
	return row.IntersectingConnectors, nil
}

func (t *Table) row(synapseID int64) (SynapseSummary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.rows {
		if r.DetectedSynapseID == synapseID {
			return r, nil
		}
	}
	return SynapseSummary{}, fmt.Errorf("%w: %d", ErrRowNotFound, synapseID)
}
