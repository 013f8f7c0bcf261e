package render

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/clbarnes/CATMAID/internal/synapse"
)

func TestRenderProducesPNG(t *testing.T) {
	r := NewOverviewRenderer(Config{Size: 64})
	rows := []synapse.SynapseSummary{
		{DetectedSynapseID: 1, Coords: synapse.Point3{X: 10, Y: 10}, SizePx: 4, Uncertainty: 0.2},
		{
			DetectedSynapseID:      2,
			Coords:                 synapse.Point3{X: 40, Y: 25},
			SizePx:                 9,
			Uncertainty:            0.9,
			IntersectingConnectors: []synapse.ConnectorInfo{{ConnID: 55}},
		},
	}

	data, err := r.Render(rows, "")
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("expected 64x64 image, got %v", b)
	}
}

func TestRenderEmptyAndUnknownColormap(t *testing.T) {
	r := NewOverviewRenderer(Config{Size: 32})

	if _, err := r.Render(nil, "magma"); err != nil {
		t.Fatalf("expected empty render to succeed, got %v", err)
	}
	if _, err := r.Render(nil, "jet"); err == nil {
		t.Fatal("expected error for unknown colormap")
	}
}
