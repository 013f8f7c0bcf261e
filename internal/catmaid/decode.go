package catmaid

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/clbarnes/CATMAID/internal/synapse"
)

var errMissing = errors.New("missing")

// Positions of the fields in an intersecting-connector record. Index 5 is
// part of the server schema but not consumed here; do not shift the fields
// that follow it when the schema changes.
const (
	connectorIDIndex         = 0
	connectorXIndex          = 1
	connectorYIndex          = 2
	connectorZIndex          = 3
	connectorConfidenceIndex = 4
	connectorSkippedIndex    = 5
	connectorUserIndex       = 6
	connectorTreenodeIndex   = 7

	connectorRecordLen = 8
	// Compact records omit the user id and carry the treenode id at index 6.
	compactConnectorRecordLen = 7
)

type detectionWire struct {
	SynapseID            *int64   `json:"synapse_id"`
	XPx                  *float64 `json:"x_px"`
	YPx                  *float64 `json:"y_px"`
	ZPx                  *float64 `json:"z_px"`
	SizePx               *float64 `json:"size_px"`
	DetectionUncertainty *float64 `json:"detection_uncertainty"`
	NodeID               *int64   `json:"node_id"`
	SkeletonID           *int64   `json:"skeleton_id"`
}

// DecodeDetectionRows decodes an auto-synapses response. Every field of every
// row is required.
func DecodeDetectionRows(data []byte) ([]synapse.DetectionSliceRow, error) {
	var wire []detectionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("catmaid: decoding detection rows: %w", err)
	}

	rows := make([]synapse.DetectionSliceRow, 0, len(wire))
	for i, w := range wire {
		missing := func(field string) error {
			return &DecodeError{Record: "detection row", Index: i, Field: field, Err: errMissing}
		}
		switch {
		case w.SynapseID == nil:
			return nil, missing("synapse_id")
		case w.XPx == nil:
			return nil, missing("x_px")
		case w.YPx == nil:
			return nil, missing("y_px")
		case w.ZPx == nil:
			return nil, missing("z_px")
		case w.SizePx == nil:
			return nil, missing("size_px")
		case w.DetectionUncertainty == nil:
			return nil, missing("detection_uncertainty")
		case w.NodeID == nil:
			return nil, missing("node_id")
		case w.SkeletonID == nil:
			return nil, missing("skeleton_id")
		}
		rows = append(rows, synapse.DetectionSliceRow{
			SynapseID:            *w.SynapseID,
			XPx:                  *w.XPx,
			YPx:                  *w.YPx,
			ZPx:                  *w.ZPx,
			SizePx:               *w.SizePx,
			DetectionUncertainty: *w.DetectionUncertainty,
			NodeID:               *w.NodeID,
			SkeletonID:           *w.SkeletonID,
		})
	}
	return rows, nil
}

// DecodeConnector decodes one positional intersecting-connector record.
func DecodeConnector(index int, record []json.RawMessage) (synapse.ConnectorInfo, error) {
	fail := func(field string, err error) (synapse.ConnectorInfo, error) {
		return synapse.ConnectorInfo{}, &DecodeError{Record: "connector", Index: index, Field: field, Err: err}
	}

	treenodeIndex, userIndex := connectorTreenodeIndex, connectorUserIndex
	switch {
	case len(record) >= connectorRecordLen:
	case len(record) == compactConnectorRecordLen:
		treenodeIndex, userIndex = connectorUserIndex, -1
	default:
		return fail("length", fmt.Errorf("got %d fields, want %d", len(record), connectorRecordLen))
	}

	var info synapse.ConnectorInfo
	var err error
	if info.ConnID, err = intAt(record, connectorIDIndex); err != nil {
		return fail("id", err)
	}
	if info.Coords.X, err = floatAt(record, connectorXIndex); err != nil {
		return fail("x", err)
	}
	if info.Coords.Y, err = floatAt(record, connectorYIndex); err != nil {
		return fail("y", err)
	}
	if info.Coords.Z, err = floatAt(record, connectorZIndex); err != nil {
		return fail("z", err)
	}
	if info.Confidence, err = floatAt(record, connectorConfidenceIndex); err != nil {
		return fail("confidence", err)
	}
	if userIndex >= 0 && !isNull(record[userIndex]) {
		if info.UserID, err = intAt(record, userIndex); err != nil {
			return fail("user_id", err)
		}
	}
	if info.TreenodeID, err = intAt(record, treenodeIndex); err != nil {
		return fail("treenode_id", err)
	}
	return info, nil
}

// DecodeConnectors decodes a list of intersecting-connector records.
func DecodeConnectors(records [][]json.RawMessage) ([]synapse.ConnectorInfo, error) {
	out := make([]synapse.ConnectorInfo, 0, len(records))
	for i, rec := range records {
		info, err := DecodeConnector(i, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// DecodeConnectorsMany decodes a batch response keyed by synapse id.
func DecodeConnectorsMany(data []byte) (map[int64][]synapse.ConnectorInfo, error) {
	var wire map[string][][]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("catmaid: decoding intersecting connectors: %w", err)
	}

	out := make(map[int64][]synapse.ConnectorInfo, len(wire))
	for key, records := range wire {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, &DecodeError{Record: "synapse key", Field: key, Err: err}
		}
		conns, err := DecodeConnectors(records)
		if err != nil {
			return nil, fmt.Errorf("synapse %d: %w", id, err)
		}
		out[id] = conns
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func floatAt(record []json.RawMessage, i int) (float64, error) {
	if isNull(record[i]) {
		return 0, errMissing
	}
	var v float64
	if err := json.Unmarshal(record[i], &v); err != nil {
		return 0, err
	}
	return v, nil
}

// intAt parses an integer field exactly. Fractional values are rejected.
func intAt(record []json.RawMessage, i int) (int64, error) {
	if isNull(record[i]) {
		return 0, errMissing
	}
	var n json.Number
	if err := json.Unmarshal(record[i], &n); err != nil {
		return 0, err
	}
	return n.Int64()
}
