package mesh

import "github.com/go-gl/mathgl/mgl32"

// Face is the outward direction of a quad. The numeric values are part of the
// vertex format and are consumed by shaders for flat normals.
type Face int32

const (
	Top    Face = iota // +Y
	Bottom             // -Y
	Left               // -X
	Right              // +X
	Front              // +Z
	Back               // -Z

	faceCount = 6
)

var faceNames = [faceCount]string{"top", "bottom", "left", "right", "front", "back"}

func (f Face) String() string {
	if f < 0 || f >= faceCount {
		return "invalid"
	}
	return faceNames[f]
}

// Normal is the unit outward normal of f.
func (f Face) Normal() mgl32.Vec3 { return faceTable[f].normal }

// Offset is the integer step from a cell to the cell f looks at.
func (f Face) Offset() (dx, dy, dz int) {
	n := faceTable[f].normal
	return int(n[0]), int(n[1]), int(n[2])
}

func (f Face) axis() axis { return faceTable[f].axis }

// axis selects one of the three occupancy packings. A line of axis a runs
// along a; (u, v) are the two remaining coordinates in a fixed order.
type axis int

const (
	axisX axis = iota // lines keyed (y, z)
	axisY             // lines keyed (x, z)
	axisZ             // lines keyed (x, y)
)

// cell maps line coordinates (u, v) and depth d along the axis to x, y, z.
func (a axis) cell(u, v, d int) (x, y, z int) {
	switch a {
	case axisX:
		return d, u, v
	case axisY:
		return u, d, v
	default:
		return u, v, d
	}
}

func (a axis) vec(u, v, d int) mgl32.Vec3 {
	x, y, z := a.cell(u, v, d)
	return mgl32.Vec3{float32(x), float32(y), float32(z)}
}

// faces returns the (negative, positive) faces of a.
func (a axis) faces() (neg, pos Face) {
	switch a {
	case axisX:
		return Left, Right
	case axisY:
		return Bottom, Top
	default:
		return Back, Front
	}
}

type faceInfo struct {
	axis     axis
	positive bool
	normal   mgl32.Vec3
	u, v     mgl32.Vec3
	// flip reverses the corner order so triangles wind counter-clockwise
	// seen from outside.
	flip bool
}

var faceTable = func() [faceCount]faceInfo {
	var t [faceCount]faceInfo
	for _, a := range []axis{axisX, axisY, axisZ} {
		neg, pos := a.faces()
		for _, f := range []Face{neg, pos} {
			sign := float32(-1)
			if f == pos {
				sign = 1
			}
			fi := faceInfo{
				axis:     a,
				positive: f == pos,
				normal:   a.vec(0, 0, 1).Mul(sign),
				u:        a.vec(1, 0, 0),
				v:        a.vec(0, 1, 0),
			}
			fi.flip = fi.u.Cross(fi.v).Dot(fi.normal) < 0
			t[f] = fi
		}
	}
	return t
}()
