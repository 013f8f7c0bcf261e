package synapse

import (
	"context"
	"fmt"
)

// ConnectorIntersector queries traced connectors inside bounding boxes.
type ConnectorIntersector interface {
	Intersecting(ctx context.Context, box BoundingBox) ([]ConnectorInfo, error)
	IntersectingMany(ctx context.Context, boxes map[int64]BoundingBox) (map[int64][]ConnectorInfo, error)
}

// DetectionSource returns the raw detection slice rows of a skeleton.
type DetectionSource interface {
	DetectionRows(ctx context.Context, skeletonID int64) ([]DetectionSliceRow, error)
}

// Enricher attaches intersecting connectors to synapse summaries.
type Enricher struct {
	connectors ConnectorIntersector
	transform  StackTransform
}

// NewEnricher creates an enricher.
func NewEnricher(connectors ConnectorIntersector, transform StackTransform) *Enricher {
	return &Enricher{connectors: connectors, transform: transform}
}

// EnrichOne queries the connectors intersecting a single summary and stores
// them on it.
func (e *Enricher) EnrichOne(ctx context.Context, s *SynapseSummary) error {
	conns, err := e.connectors.Intersecting(ctx, BoundingBoxFor(*s, e.transform))
	if err != nil {
		return err
	}
	if conns == nil {
		conns = []ConnectorInfo{}
	}
	s.IntersectingConnectors = conns
	return nil
}

// EnrichMany resolves intersecting connectors for many summaries in one
// request. No request is made when there are no summaries.
func (e *Enricher) EnrichMany(ctx context.Context, summaries map[int64]*SynapseSummary) (map[int64][]ConnectorInfo, error) {
	if len(summaries) == 0 {
		return map[int64][]ConnectorInfo{}, nil
	}

	boxes := make(map[int64]BoundingBox, len(summaries))
	for id, s := range summaries {
		boxes[id] = BoundingBoxFor(*s, e.transform)
	}
	return e.connectors.IntersectingMany(ctx, boxes)
}

// Pipeline runs one full fetch, aggregate and enrich cycle for a skeleton.
type Pipeline struct {
	Source   DetectionSource
	Enricher *Enricher
}

// Run returns the enriched rows of a skeleton in ascending synapse id order.
// Aggregation always completes before enrichment starts.
func (p *Pipeline) Run(ctx context.Context, skeletonID int64) ([]SynapseSummary, error) {
	raw, err := p.Source.DetectionRows(ctx, skeletonID)
	if err != nil {
		return nil, fmt.Errorf("fetching detections for skeleton %d: %w", skeletonID, err)
	}

	summaries := Aggregate(raw)

	conns, err := p.Enricher.EnrichMany(ctx, summaries)
	if err != nil {
		return nil, fmt.Errorf("intersecting connectors for skeleton %d: %w", skeletonID, err)
	}
	for id, s := range summaries {
		c, ok := conns[id]
		if !ok || c == nil {
			c = []ConnectorInfo{}
		}
		s.IntersectingConnectors = c
	}

	return SortedRows(summaries), nil
}
