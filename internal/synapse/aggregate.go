package synapse

import "sort"

// aggregation tracks the running state behind one summary.
type aggregation struct {
	summary *SynapseSummary
	count   int
	zs      map[float64]struct{}
}

func addToMean(mean float64, n int, v float64) float64 {
	return (mean*float64(n) + v) / float64(n+1)
}

// Aggregate folds slice rows into one summary per synapse id. Rows may arrive
// in any order and interleave synapse ids arbitrarily.
func Aggregate(rows []DetectionSliceRow) map[int64]*SynapseSummary {
	state := make(map[int64]*aggregation)
	out := make(map[int64]*SynapseSummary)

	for _, row := range rows {
		agg, ok := state[row.SynapseID]
		if !ok {
			s := &SynapseSummary{
				DetectedSynapseID: row.SynapseID,
				Coords:            Point3{X: row.XPx, Y: row.YPx, Z: row.ZPx},
				SizePx:            row.SizePx,
				Slices:            1,
				Uncertainty:       row.DetectionUncertainty,
				NodeID:            row.NodeID,
				SkelID:            row.SkeletonID,
			}
			state[row.SynapseID] = &aggregation{
				summary: s,
				count:   1,
				zs:      map[float64]struct{}{row.ZPx: {}},
			}
			out[row.SynapseID] = s
			continue
		}

		s, n := agg.summary, agg.count
		s.Coords.X = addToMean(s.Coords.X, n, row.XPx)
		s.Coords.Y = addToMean(s.Coords.Y, n, row.YPx)
		s.Coords.Z = addToMean(s.Coords.Z, n, row.ZPx)
		s.SizePx += row.SizePx
		agg.zs[row.ZPx] = struct{}{}
		s.Slices = len(agg.zs)
		s.Uncertainty = addToMean(s.Uncertainty, n, row.DetectionUncertainty)
		agg.count++
	}

	return out
}

// SortedRows flattens summaries into ascending synapse id order.
func SortedRows(summaries map[int64]*SynapseSummary) []SynapseSummary {
	ids := make([]int64, 0, len(summaries))
	for id := range summaries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]SynapseSummary, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, *summaries[id])
	}
	return rows
}
