package synapse

import "math"

// BoundingBox is an axis-aligned box in project coordinates.
type BoundingBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	ZMin float64 `json:"zmin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
	ZMax float64 `json:"zmax"`
}

// StackTransform converts stack pixel coordinates into project space.
type StackTransform interface {
	StackToProject(p Point3) Point3
}

// Calibration maps an XY-oriented stack into project space:
// project = stack*resolution + translation.
type Calibration struct {
	Resolution  Point3
	Translation Point3
}

// StackToProject implements StackTransform.
func (c Calibration) StackToProject(p Point3) Point3 {
	return Point3{
		X: p.X*c.Resolution.X + c.Translation.X,
		Y: p.Y*c.Resolution.Y + c.Translation.Y,
		Z: p.Z*c.Resolution.Z + c.Translation.Z,
	}
}

// ProjectToStack is the inverse of StackToProject.
func (c Calibration) ProjectToStack(p Point3) Point3 {
	inv := func(v, res, tr float64) float64 {
		if res == 0 {
			return 0
		}
		return (v - tr) / res
	}
	return Point3{
		X: inv(p.X, c.Resolution.X, c.Translation.X),
		Y: inv(p.Y, c.Resolution.Y, c.Translation.Y),
		Z: inv(p.Z, c.Resolution.Z, c.Translation.Z),
	}
}

// BoundingBoxFor approximates the extent of a detected synapse. The pixel
// count is treated as the area of a square, so the lateral half-extent is its
// square root; the depth half-extent is half the slice count, rounded up.
func BoundingBoxFor(s SynapseSummary, t StackTransform) BoundingBox {
	xy := math.Sqrt(s.SizePx)
	z := math.Ceil(float64(s.Slices) / 2)

	lo := t.StackToProject(Point3{X: s.Coords.X - xy, Y: s.Coords.Y - xy, Z: s.Coords.Z - z})
	hi := t.StackToProject(Point3{X: s.Coords.X + xy, Y: s.Coords.Y + xy, Z: s.Coords.Z + z})

	return BoundingBox{
		XMin: math.Min(lo.X, hi.X),
		YMin: math.Min(lo.Y, hi.Y),
		ZMin: math.Min(lo.Z, hi.Z),
		XMax: math.Max(lo.X, hi.X),
		YMax: math.Max(lo.Y, hi.Y),
		ZMax: math.Max(lo.Z, hi.Z),
	}
}
