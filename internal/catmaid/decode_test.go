package catmaid

import (
	"encoding/json"
	"errors"
	"testing"
)

func rawRecord(t *testing.T, s string) []json.RawMessage {
	t.Helper()
	var rec []json.RawMessage
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		t.Fatalf("bad fixture %s: %v", s, err)
	}
	return rec
}

func TestDecodeDetectionRows(t *testing.T) {
	rows, err := DecodeDetectionRows([]byte(`[
		{"synapse_id":1,"x_px":10.5,"y_px":20,"z_px":5,"size_px":4,"detection_uncertainty":0.7,"node_id":100,"skeleton_id":7}
	]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.SynapseID != 1 || r.XPx != 10.5 || r.ZPx != 5 || r.DetectionUncertainty != 0.7 || r.NodeID != 100 || r.SkeletonID != 7 {
		t.Errorf("unexpected row: %+v", r)
	}
}

func TestDecodeDetectionRowsMissingField(t *testing.T) {
	_, err := DecodeDetectionRows([]byte(`[
		{"synapse_id":1,"x_px":1,"y_px":1,"z_px":1,"size_px":1,"detection_uncertainty":0.1,"node_id":1,"skeleton_id":7},
		{"synapse_id":2,"x_px":1,"y_px":1,"z_px":1,"detection_uncertainty":0.1,"node_id":1,"skeleton_id":7}
	]`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decodeErr.Index != 1 || decodeErr.Field != "size_px" {
		t.Errorf("unexpected error location: %+v", decodeErr)
	}
	if !errors.Is(err, errMissing) {
		t.Error("expected error to wrap errMissing")
	}
}

func TestDecodeDetectionRowsMalformed(t *testing.T) {
	if _, err := DecodeDetectionRows([]byte(`{"not":"a list"}`)); err == nil {
		t.Error("expected error for non-list body")
	}
}

func TestDecodeConnector(t *testing.T) {
	tests := []struct {
		name string
		rec  string
		want [5]float64 // id, x, confidence, user, treenode
	}{
		{"Full", `[55, 1.5, 2, 3, 0.9, "skip", 12, 100]`, [5]float64{55, 1.5, 0.9, 12, 100}},
		{"FullNullUser", `[55, 1.5, 2, 3, 0.9, null, null, 100]`, [5]float64{55, 1.5, 0.9, 0, 100}},
		{"Compact", `[55, 0, 0, 0, 0.9, null, 100]`, [5]float64{55, 0, 0.9, 0, 100}},
		{"ExtraTrailing", `[55, 1, 2, 3, 0.5, 0, 4, 5, "ignored"]`, [5]float64{55, 1, 0.5, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DecodeConnector(0, rawRecord(t, tt.rec))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := [5]float64{float64(info.ConnID), info.Coords.X, info.Confidence, float64(info.UserID), float64(info.TreenodeID)}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeConnectorErrors(t *testing.T) {
	tests := []struct {
		name  string
		rec   string
		field string
	}{
		{"TooShort", `[55, 0, 0, 0, 0.9]`, "length"},
		{"NullID", `[null, 0, 0, 0, 0.9, null, 1, 2]`, "id"},
		{"NullTreenode", `[55, 0, 0, 0, 0.9, null, 1, null]`, "treenode_id"},
		{"BadConfidence", `[55, 0, 0, 0, "high", null, 1, 2]`, "confidence"},
		{"FractionalID", `[1.5, 0, 0, 0, 0.9, null, 1, 2]`, "id"},
		{"FractionalTreenode", `[55, 0, 0, 0, 0.9, null, 1, 2.25]`, "treenode_id"},
		{"FractionalUser", `[55, 0, 0, 0, 0.9, null, 3.5, 2]`, "user_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeConnector(3, rawRecord(t, tt.rec))
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if decodeErr.Field != tt.field || decodeErr.Index != 3 {
				t.Errorf("got field %q index %d, want %q 3", decodeErr.Field, decodeErr.Index, tt.field)
			}
		})
	}
}

func TestDecodeConnectorLargeIDs(t *testing.T) {
	// 2^53 + 1 is the first integer a float64 cannot hold.
	rec := rawRecord(t, `[9007199254740993, 0, 0, 0, 0.9, null, 9007199254740995, 9223372036854775807]`)
	got, err := DecodeConnector(0, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ConnID != 9007199254740993 {
		t.Errorf("id: got %d", got.ConnID)
	}
	if got.UserID != 9007199254740995 {
		t.Errorf("user id: got %d", got.UserID)
	}
	if got.TreenodeID != 9223372036854775807 {
		t.Errorf("treenode id: got %d", got.TreenodeID)
	}
}

func TestDecodeConnectorsMany(t *testing.T) {
	got, err := DecodeConnectorsMany([]byte(`{"1": [[55,0,0,0,0.9,null,100]], "2": []}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got[1]) != 1 || got[1][0].ConnID != 55 || got[1][0].TreenodeID != 100 {
		t.Errorf("synapse 1: %+v", got[1])
	}
	if c, ok := got[2]; !ok || len(c) != 0 {
		t.Errorf("synapse 2: expected empty list, got %v (present=%v)", c, ok)
	}

	if _, err := DecodeConnectorsMany([]byte(`{"abc": []}`)); err == nil {
		t.Error("expected error for non-numeric key")
	}
}
