package synapse

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeConnectors answers intersection queries from a fixed table keyed by
// synapse id, and by box for single queries.
type fakeConnectors struct {
	mu         sync.Mutex
	bySynapse  map[int64][]ConnectorInfo
	single     []ConnectorInfo
	err        error
	singleCall int
	manyCalls  int
	lastBoxes  map[int64]BoundingBox
}

func (f *fakeConnectors) Intersecting(ctx context.Context, box BoundingBox) ([]ConnectorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCall++
	if f.err != nil {
		return nil, f.err
	}
	return f.single, nil
}

func (f *fakeConnectors) IntersectingMany(ctx context.Context, boxes map[int64]BoundingBox) (map[int64][]ConnectorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manyCalls++
	f.lastBoxes = boxes
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64][]ConnectorInfo)
	for id := range boxes {
		if c, ok := f.bySynapse[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

// fakeSource serves detection rows per skeleton.
type fakeSource struct {
	mu    sync.Mutex
	rows  map[int64][]DetectionSliceRow
	err   error
	calls map[int64]int
	// gate, when set, blocks every fetch until it is closed.
	gate chan struct{}
}

func (f *fakeSource) DetectionRows(ctx context.Context, skeletonID int64) ([]DetectionSliceRow, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[int64]int)
	}
	f.calls[skeletonID]++
	gate, err, rows := f.gate, f.err, f.rows[skeletonID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *fakeSource) callCount(skeletonID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[skeletonID]
}

var unitCalibration = Calibration{Resolution: Point3{X: 1, Y: 1, Z: 1}}

func TestEnrichManyEmpty(t *testing.T) {
	conns := &fakeConnectors{}
	e := NewEnricher(conns, unitCalibration)

	got, err := e.EnrichMany(context.Background(), map[int64]*SynapseSummary{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
	if conns.manyCalls != 0 {
		t.Errorf("expected no request, got %d", conns.manyCalls)
	}
}

func TestEnrichManySendsOneBoxPerSynapse(t *testing.T) {
	conns := &fakeConnectors{
		bySynapse: map[int64][]ConnectorInfo{1: {{ConnID: 55, Confidence: 0.9, TreenodeID: 100}}},
	}
	e := NewEnricher(conns, unitCalibration)
	summaries := Aggregate([]DetectionSliceRow{
		sliceRow(1, 10, 10, 5, 4, 0.5, 1),
		sliceRow(2, 50, 50, 5, 9, 0.5, 2),
	})

	got, err := e.EnrichMany(context.Background(), summaries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conns.manyCalls != 1 {
		t.Errorf("expected one batch request, got %d", conns.manyCalls)
	}
	if len(conns.lastBoxes) != 2 {
		t.Fatalf("expected 2 boxes, got %d", len(conns.lastBoxes))
	}
	if conns.lastBoxes[2] != BoundingBoxFor(*summaries[2], unitCalibration) {
		t.Errorf("box for synapse 2 does not match the single-query box")
	}
	if len(got[1]) != 1 || got[1][0].ConnID != 55 {
		t.Errorf("unexpected connectors for synapse 1: %v", got[1])
	}
	if _, ok := got[2]; ok {
		t.Errorf("synapse 2 should be absent from the batch result")
	}
}

func TestEnrichOne(t *testing.T) {
	conns := &fakeConnectors{}
	e := NewEnricher(conns, unitCalibration)
	s := SynapseSummary{DetectedSynapseID: 1, SizePx: 4, Slices: 1}

	if err := e.EnrichOne(context.Background(), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.IntersectingConnectors == nil || len(s.IntersectingConnectors) != 0 {
		t.Errorf("expected empty non-nil list, got %v", s.IntersectingConnectors)
	}
	if !s.Enriched() {
		t.Error("expected summary to be enriched")
	}
}

func TestEnrichErrorPropagates(t *testing.T) {
	boom := errors.New("network down")
	conns := &fakeConnectors{err: boom}
	e := NewEnricher(conns, unitCalibration)

	s := SynapseSummary{DetectedSynapseID: 1, SizePx: 4, Slices: 1}
	if err := e.EnrichOne(context.Background(), &s); !errors.Is(err, boom) {
		t.Errorf("single: expected %v, got %v", boom, err)
	}
	if s.IntersectingConnectors != nil {
		t.Error("failed single query must leave the summary untouched")
	}

	_, err := e.EnrichMany(context.Background(), map[int64]*SynapseSummary{1: &s})
	if !errors.Is(err, boom) {
		t.Errorf("many: expected %v, got %v", boom, err)
	}
}

func TestPipelineRun(t *testing.T) {
	source := &fakeSource{rows: map[int64][]DetectionSliceRow{
		7: {
			sliceRow(2, 50, 50, 5, 9, 0.5, 2),
			sliceRow(1, 10, 20, 5, 4, 0.7, 100),
			sliceRow(1, 12, 20, 6, 6, 0.9, 101),
		},
	}}
	conns := &fakeConnectors{
		bySynapse: map[int64][]ConnectorInfo{1: {{ConnID: 55}}},
	}
	p := &Pipeline{Source: source, Enricher: NewEnricher(conns, unitCalibration)}

	rows, err := p.Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 || rows[0].DetectedSynapseID != 1 || rows[1].DetectedSynapseID != 2 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if len(rows[0].IntersectingConnectors) != 1 {
		t.Errorf("synapse 1: expected 1 connector, got %v", rows[0].IntersectingConnectors)
	}
	if rows[1].IntersectingConnectors == nil || len(rows[1].IntersectingConnectors) != 0 {
		t.Errorf("synapse 2: expected empty non-nil list, got %v", rows[1].IntersectingConnectors)
	}
}

func TestPipelineSourceError(t *testing.T) {
	boom := errors.New("timeout")
	conns := &fakeConnectors{}
	p := &Pipeline{Source: &fakeSource{err: boom}, Enricher: NewEnricher(conns, unitCalibration)}

	if _, err := p.Run(context.Background(), 7); !errors.Is(err, boom) {
		t.Errorf("expected wrapped %v, got %v", boom, err)
	}
	if conns.manyCalls != 0 {
		t.Error("enrichment must not run after a failed fetch")
	}
}
