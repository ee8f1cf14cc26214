package gsplat

import "github.com/chewxy/math32"

// Small fixed-size value types for the per-element kernels. These stay
// unexported: the public API exchanges flat tensors, the kernels work on
// registers.

type vec2 struct{ x, y float32 }

type vec3 struct{ x, y, z float32 }

func (v vec3) add(w vec3) vec3        { return vec3{v.x + w.x, v.y + w.y, v.z + w.z} }
func (v vec3) dot(w vec3) float32     { return v.x*w.x + v.y*w.y + v.z*w.z }
func (v vec3) scale(s float32) vec3   { return vec3{v.x * s, v.y * s, v.z * s} }
func (v vec3) length() float32        { return math32.Sqrt(v.dot(v)) }

// mat2 is a 2x2 matrix, row-major.
type mat2 struct {
	m00, m01 float32
	m10, m11 float32
}

func (m mat2) det() float32 { return m.m00*m.m11 - m.m01*m.m10 }

// mul returns m * o.
func (m mat2) mul(o mat2) mat2 {
	return mat2{
		m.m00*o.m00 + m.m01*o.m10, m.m00*o.m01 + m.m01*o.m11,
		m.m10*o.m00 + m.m11*o.m10, m.m10*o.m01 + m.m11*o.m11,
	}
}

func (m mat2) scale(s float32) mat2 {
	return mat2{m.m00 * s, m.m01 * s, m.m10 * s, m.m11 * s}
}

func (m mat2) add(o mat2) mat2 {
	return mat2{m.m00 + o.m00, m.m01 + o.m01, m.m10 + o.m10, m.m11 + o.m11}
}

func (m mat2) transpose() mat2 { return mat2{m.m00, m.m10, m.m01, m.m11} }

// mat3 is a 3x3 matrix, row-major.
type mat3 struct {
	m00, m01, m02 float32
	m10, m11, m12 float32
	m20, m21, m22 float32
}

func (m mat3) mulVec(v vec3) vec3 {
	return vec3{
		m.m00*v.x + m.m01*v.y + m.m02*v.z,
		m.m10*v.x + m.m11*v.y + m.m12*v.z,
		m.m20*v.x + m.m21*v.y + m.m22*v.z,
	}
}

// mulVecT returns m^T * v.
func (m mat3) mulVecT(v vec3) vec3 {
	return vec3{
		m.m00*v.x + m.m10*v.y + m.m20*v.z,
		m.m01*v.x + m.m11*v.y + m.m21*v.z,
		m.m02*v.x + m.m12*v.y + m.m22*v.z,
	}
}

func (m mat3) mul(o mat3) mat3 {
	return mat3{
		m.m00*o.m00 + m.m01*o.m10 + m.m02*o.m20, m.m00*o.m01 + m.m01*o.m11 + m.m02*o.m21, m.m00*o.m02 + m.m01*o.m12 + m.m02*o.m22,
		m.m10*o.m00 + m.m11*o.m10 + m.m12*o.m20, m.m10*o.m01 + m.m11*o.m11 + m.m12*o.m21, m.m10*o.m02 + m.m11*o.m12 + m.m12*o.m22,
		m.m20*o.m00 + m.m21*o.m10 + m.m22*o.m20, m.m20*o.m01 + m.m21*o.m11 + m.m22*o.m21, m.m20*o.m02 + m.m21*o.m12 + m.m22*o.m22,
	}
}

func (m mat3) transpose() mat3 {
	return mat3{
		m.m00, m.m10, m.m20,
		m.m01, m.m11, m.m21,
		m.m02, m.m12, m.m22,
	}
}

func (m mat3) add(o mat3) mat3 {
	return mat3{
		m.m00 + o.m00, m.m01 + o.m01, m.m02 + o.m02,
		m.m10 + o.m10, m.m11 + o.m11, m.m12 + o.m12,
		m.m20 + o.m20, m.m21 + o.m21, m.m22 + o.m22,
	}
}

// outer returns a * b^T.
func outer(a, b vec3) mat3 {
	return mat3{
		a.x * b.x, a.x * b.y, a.x * b.z,
		a.y * b.x, a.y * b.y, a.y * b.z,
		a.z * b.x, a.z * b.y, a.z * b.z,
	}
}

// sandwich returns R * S * R^T.
func sandwich(r, s mat3) mat3 {
	return r.mul(s).mul(r.transpose())
}

// mat23 is a 2x3 matrix, the Jacobian of a camera projection.
type mat23 struct {
	m00, m01, m02 float32
	m10, m11, m12 float32
}

// jsj returns J * S * J^T, the projected 2D covariance. The off-diagonal
// is computed once and mirrored so the result is symmetric to the last
// bit, not merely up to rounding.
func jsj(j mat23, s mat3) mat2 {
	// t = J * S, 2x3
	t00 := j.m00*s.m00 + j.m01*s.m10 + j.m02*s.m20
	t01 := j.m00*s.m01 + j.m01*s.m11 + j.m02*s.m21
	t02 := j.m00*s.m02 + j.m01*s.m12 + j.m02*s.m22
	t10 := j.m10*s.m00 + j.m11*s.m10 + j.m12*s.m20
	t11 := j.m10*s.m01 + j.m11*s.m11 + j.m12*s.m21
	t12 := j.m10*s.m02 + j.m11*s.m12 + j.m12*s.m22
	c00 := t00*j.m00 + t01*j.m01 + t02*j.m02
	c01 := t00*j.m10 + t01*j.m11 + t02*j.m12
	c11 := t10*j.m10 + t11*j.m11 + t12*j.m12
	return mat2{c00, c01, c01, c11}
}

// jtwj returns J^T * W * J, pulling a 2x2 covariance gradient back to
// camera space.
func jtwj(j mat23, w mat2) mat3 {
	// t = J^T * W, 3x2
	t00 := j.m00*w.m00 + j.m10*w.m10
	t01 := j.m00*w.m01 + j.m10*w.m11
	t10 := j.m01*w.m00 + j.m11*w.m10
	t11 := j.m01*w.m01 + j.m11*w.m11
	t20 := j.m02*w.m00 + j.m12*w.m10
	t21 := j.m02*w.m01 + j.m12*w.m11
	return mat3{
		t00*j.m00 + t01*j.m10, t00*j.m01 + t01*j.m11, t00*j.m02 + t01*j.m12,
		t10*j.m00 + t11*j.m10, t10*j.m01 + t11*j.m11, t10*j.m02 + t11*j.m12,
		t20*j.m00 + t21*j.m10, t20*j.m01 + t21*j.m11, t20*j.m02 + t21*j.m12,
	}
}

// jGrad returns (W + W^T) * J * S, the gradient of J S J^T with respect
// to the Jacobian entries.
func jGrad(w mat2, j mat23, s mat3) mat23 {
	ws := w.add(w.transpose())
	// t = (W + W^T) * J, 2x3
	t00 := ws.m00*j.m00 + ws.m01*j.m10
	t01 := ws.m00*j.m01 + ws.m01*j.m11
	t02 := ws.m00*j.m02 + ws.m01*j.m12
	t10 := ws.m10*j.m00 + ws.m11*j.m10
	t11 := ws.m10*j.m01 + ws.m11*j.m11
	t12 := ws.m10*j.m02 + ws.m11*j.m12
	return mat23{
		t00*s.m00 + t01*s.m10 + t02*s.m20, t00*s.m01 + t01*s.m11 + t02*s.m21, t00*s.m02 + t01*s.m12 + t02*s.m22,
		t10*s.m00 + t11*s.m10 + t12*s.m20, t10*s.m01 + t11*s.m11 + t12*s.m21, t10*s.m02 + t11*s.m12 + t12*s.m22,
	}
}

// quatRotMat builds the rotation matrix of a unit quaternion (w,x,y,z).
func quatRotMat(w, x, y, z float32) mat3 {
	x2, y2, z2 := x*x, y*y, z*z
	return mat3{
		1 - 2*(y2+z2), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x2+z2), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x2+y2),
	}
}

// quatRotMatVJP maps a gradient on the rotation matrix back to the unit
// quaternion components.
func quatRotMatVJP(w, x, y, z float32, v mat3) (vw, vx, vy, vz float32) {
	vw = 2 * (x*(v.m21-v.m12) + y*(v.m02-v.m20) + z*(v.m10-v.m01))
	vx = 2 * (-2*x*(v.m11+v.m22) + y*(v.m01+v.m10) + z*(v.m02+v.m20) + w*(v.m21-v.m12))
	vy = 2 * (x*(v.m01+v.m10) - 2*y*(v.m00+v.m22) + z*(v.m12+v.m21) + w*(v.m02-v.m20))
	vz = 2 * (x*(v.m02+v.m20) + y*(v.m12+v.m21) - 2*z*(v.m00+v.m11) + w*(v.m10-v.m01))
	return vw, vx, vy, vz
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
