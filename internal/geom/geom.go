// Package geom holds the small amount of 3D math the scale engine needs to
// move entities between parents without changing where they appear.
package geom

import "math"

// Epsilon is the tolerance used when comparing scale and position values.
const Epsilon = 1e-6

// Vec3 is a component-wise three dimensional vector.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// One is the identity scale.
var One = Vec3{X: 1, Y: 1, Z: 1}

// Zero is the origin.
var Zero = Vec3{}

// Uniform returns a vector with every component set to v.
func Uniform(v float64) Vec3 {
	return Vec3{X: v, Y: v, Z: v}
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Mul scales every component by s.
func (v Vec3) Mul(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Scale multiplies component-wise.
func (v Vec3) Scale(o Vec3) Vec3 { return Vec3{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }

// Div divides component-wise. Zero components of o leave the matching
// component of v untouched instead of producing infinities.
func (v Vec3) Div(o Vec3) Vec3 {
	return Vec3{safeDiv(v.X, o.X), safeDiv(v.Y, o.Y), safeDiv(v.Z, o.Z)}
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return a
	}
	return a / b
}

// Equal reports exact component equality.
func (v Vec3) Equal(o Vec3) bool {
	return v.X == o.X && v.Y == o.Y && v.Z == o.Z
}

// ApproxEqual reports equality within eps on every axis.
func (v Vec3) ApproxEqual(o Vec3, eps float64) bool {
	return math.Abs(v.X-o.X) <= eps && math.Abs(v.Y-o.Y) <= eps && math.Abs(v.Z-o.Z) <= eps
}

// IsIdentityScale reports whether v is the "not scaled" value (1,1,1).
func (v Vec3) IsIdentityScale() bool {
	return v.Equal(One)
}

// Valid reports whether every component is finite.
func (v Vec3) Valid() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// ValidScale reports whether v can be used as a scale: finite and strictly
// positive on every axis, so it can always be divided back out.
func (v Vec3) ValidScale() bool {
	return v.Valid() && v.X > 0 && v.Y > 0 && v.Z > 0
}

// Array returns the components in x, y, z order.
func (v Vec3) Array() [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

// FromArray builds a vector from x, y, z components.
func FromArray(a [3]float64) Vec3 { return Vec3{a[0], a[1], a[2]} }

// Quat is a unit quaternion rotation.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuat applies no rotation.
var IdentityQuat = Quat{W: 1}

// Mul composes q then r (r is applied first).
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
	}
}

// Inverse returns the conjugate; rotations are kept normalized.
func (q Quat) Inverse() Quat {
	return Quat{X: -q.X, Y: -q.Y, Z: -q.Z, W: q.W}
}

// Rotate applies the rotation to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{q.X, q.Y, q.Z}
	t := cross(u, v).Mul(2)
	return v.Add(t.Mul(q.W)).Add(cross(u, t))
}

func cross(a, b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

// FromEuler builds a rotation from degrees applied in Z, X, Y order.
func FromEuler(deg Vec3) Quat {
	rad := deg.Mul(math.Pi / 180)
	qx := Quat{X: math.Sin(rad.X / 2), W: math.Cos(rad.X / 2)}
	qy := Quat{Y: math.Sin(rad.Y / 2), W: math.Cos(rad.Y / 2)}
	qz := Quat{Z: math.Sin(rad.Z / 2), W: math.Cos(rad.Z / 2)}
	return qy.Mul(qx).Mul(qz)
}

// Euler returns the rotation in degrees using the FromEuler convention.
func (q Quat) Euler() Vec3 {
	sinX := 2 * (q.W*q.X - q.Y*q.Z)
	var x float64
	if math.Abs(sinX) >= 1 {
		x = math.Copysign(math.Pi/2, sinX)
	} else {
		x = math.Asin(sinX)
	}
	y := math.Atan2(2*(q.W*q.Y+q.X*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))
	z := math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.X*q.X+q.Z*q.Z))
	return Vec3{X: x, Y: y, Z: z}.Mul(180 / math.Pi)
}

// Transform is a translate-rotate-scale triple.
type Transform struct {
	Pos   Vec3
	Rot   Quat
	Scale Vec3
}

// IdentityTransform places a child exactly on its parent.
var IdentityTransform = Transform{Rot: IdentityQuat, Scale: One}

// Apply maps a child's local transform into the space this transform lives in.
func (t Transform) Apply(child Transform) Transform {
	return Transform{
		Pos:   t.Pos.Add(t.Rot.Rotate(t.Scale.Scale(child.Pos))),
		Rot:   t.Rot.Mul(child.Rot),
		Scale: t.Scale.Scale(child.Scale),
	}
}

// Relative expresses world inside the space of t, the inverse of Apply.
func (t Transform) Relative(world Transform) Transform {
	inv := t.Rot.Inverse()
	return Transform{
		Pos:   inv.Rotate(world.Pos.Sub(t.Pos)).Div(t.Scale),
		Rot:   inv.Mul(world.Rot),
		Scale: world.Scale.Div(t.Scale),
	}
}
