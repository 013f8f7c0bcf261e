// Package synapse aggregates automatically detected synapse slices into
// per-synapse rows and enriches them with intersecting traced connectors.
package synapse

import "time"

// Point3 is a 3D coordinate, in stack pixels or project space depending on use.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DetectionSliceRow is one synapse observation confined to a single z plane,
// as produced by the detector service.
type DetectionSliceRow struct {
	SynapseID            int64   `json:"synapse_id"`
	XPx                  float64 `json:"x_px"`
	YPx                  float64 `json:"y_px"`
	ZPx                  float64 `json:"z_px"`
	SizePx               float64 `json:"size_px"`
	DetectionUncertainty float64 `json:"detection_uncertainty"`
	NodeID               int64   `json:"node_id"`
	SkeletonID           int64   `json:"skeleton_id"`
}

// ConnectorInfo describes a manually traced connector.
type ConnectorInfo struct {
	ConnID     int64   `json:"conn_id"`
	Coords     Point3  `json:"coords"`
	Confidence float64 `json:"confidence"`
	UserID     int64   `json:"user_id"`
	TreenodeID int64   `json:"treenode_id"`
}

// SynapseSummary is the aggregate of all slice rows sharing a synapse id.
type SynapseSummary struct {
	DetectedSynapseID int64 `json:"detected_synapse_id"`
	// Coords is the running mean of the slice centroids, in stack pixels.
	Coords Point3 `json:"coords"`
	// SizePx is the summed pixel count over all slices.
	SizePx float64 `json:"size_px"`
	// Slices counts distinct z values, not rows.
	Slices      int     `json:"slices"`
	Uncertainty float64 `json:"uncertainty"`
	// NodeID is the node of the first slice row seen for this synapse.
	NodeID int64 `json:"node_id"`
	SkelID int64 `json:"skeleton_id"`
	// IntersectingConnectors is nil until the summary has been enriched.
	IntersectingConnectors []ConnectorInfo `json:"intersecting_connectors"`
}

// Enriched reports whether connector intersection has been resolved.
func (s SynapseSummary) Enriched() bool {
	return s.IntersectingConnectors != nil
}

// CacheEntry holds the enriched rows of one skeleton.
type CacheEntry struct {
	SkeletonID int64
	Timestamp  time.Time
	Rows       []SynapseSummary
}
