package gsplat

import "github.com/chewxy/math32"

// CameraModel selects the projection used to map camera-space gaussians
// onto the image plane. The set is closed; there is no plugin mechanism.
type CameraModel uint8

const (
	// Pinhole is the standard perspective projection. The 2D covariance
	// is propagated through the first-order (EWA) Jacobian of the
	// perspective divide.
	Pinhole CameraModel = iota

	// Ortho is an orthographic projection: an affine scale by the focal
	// lengths with no perspective divide. Covariance propagation is
	// exact, not linearized.
	Ortho

	// Fisheye is the equidistant angular projection r = f*theta. The
	// Jacobian is singular on the optical axis and is guarded there.
	Fisheye
)

// String returns the lowercase tag for logs and errors.
func (m CameraModel) String() string {
	switch m {
	case Pinhole:
		return "pinhole"
	case Ortho:
		return "ortho"
	case Fisheye:
		return "fisheye"
	}
	return "unknown"
}

// intrinsics are the used entries of a 3x3 calibration matrix K.
type intrinsics struct {
	fx, fy, cx, cy float32
}

func intrinsicsAt(ks []float32, off int) intrinsics {
	return intrinsics{fx: ks[off], fy: ks[off+4], cx: ks[off+2], cy: ks[off+5]}
}

// cameraProjection is one projection strategy. project maps a
// camera-space mean and covariance to a pixel-space mean and 2D
// covariance; projectVJP pulls gradients on those outputs back to the
// camera-space inputs, including the second-order term through the
// Jacobian's dependence on the mean.
type cameraProjection interface {
	project(p vec3, cov mat3) (vec2, mat2)
	projectVJP(p vec3, cov mat3, vMean vec2, vCov mat2) (vec3, mat3)
}

// newCameraProjection builds the strategy for one camera.
func newCameraProjection(model CameraModel, k intrinsics, width, height int) (cameraProjection, error) {
	switch model {
	case Pinhole:
		return newPinholeProjection(k, width, height), nil
	case Ortho:
		return orthoProjection{k}, nil
	case Fisheye:
		return fisheyeProjection{k}, nil
	}
	return nil, ErrUnknownCameraModel
}

// pinholeProjection implements the perspective model. The Jacobian's
// x/z and y/z terms are clamped to slightly outside the view frustum so
// that gaussians far off screen do not produce exploding covariances.
type pinholeProjection struct {
	intrinsics
	limXNeg, limXPos float32
	limYNeg, limYPos float32
}

func newPinholeProjection(k intrinsics, width, height int) pinholeProjection {
	w, h := float32(width), float32(height)
	tanFovX := 0.5 * w / k.fx
	tanFovY := 0.5 * h / k.fy
	return pinholeProjection{
		intrinsics: k,
		limXPos:    (w-k.cx)/k.fx + 0.3*tanFovX,
		limXNeg:    k.cx/k.fx + 0.3*tanFovX,
		limYPos:    (h-k.cy)/k.fy + 0.3*tanFovY,
		limYNeg:    k.cy/k.fy + 0.3*tanFovY,
	}
}

func (c pinholeProjection) jacobian(p vec3) mat23 {
	rz := 1 / p.z
	rz2 := rz * rz
	tx := p.z * clamp32(p.x*rz, -c.limXNeg, c.limXPos)
	ty := p.z * clamp32(p.y*rz, -c.limYNeg, c.limYPos)
	return mat23{
		c.fx * rz, 0, -c.fx * tx * rz2,
		0, c.fy * rz, -c.fy * ty * rz2,
	}
}

func (c pinholeProjection) project(p vec3, cov mat3) (vec2, mat2) {
	rz := 1 / p.z
	mean := vec2{c.fx*p.x*rz + c.cx, c.fy*p.y*rz + c.cy}
	return mean, jsj(c.jacobian(p), cov)
}

func (c pinholeProjection) projectVJP(p vec3, cov mat3, vMean vec2, vCov mat2) (vec3, mat3) {
	rz := 1 / p.z
	rz2 := rz * rz
	rz3 := rz2 * rz
	j := c.jacobian(p)

	vp := vec3{
		vMean.x * c.fx * rz,
		vMean.y * c.fy * rz,
		-(c.fx*p.x*vMean.x + c.fy*p.y*vMean.y) * rz2,
	}
	vcov := jtwj(j, vCov)
	vj := jGrad(vCov, j, cov)

	// J00 = fx/z, J11 = fy/z depend on z only.
	vp.z += vj.m00*(-c.fx*rz2) + vj.m11*(-c.fy*rz2)

	// J02 = -fx*tx/z^2 where tx = z*clamp(x/z). Inside the clamp range
	// tx = x; outside, tx is proportional to z and the x dependence
	// vanishes.
	ux := p.x * rz
	if ux > -c.limXNeg && ux < c.limXPos {
		vp.x += vj.m02 * (-c.fx * rz2)
		vp.z += vj.m02 * (2 * c.fx * p.x * rz3)
	} else {
		vp.z += vj.m02 * (c.fx * clamp32(ux, -c.limXNeg, c.limXPos) * rz2)
	}
	uy := p.y * rz
	if uy > -c.limYNeg && uy < c.limYPos {
		vp.y += vj.m12 * (-c.fy * rz2)
		vp.z += vj.m12 * (2 * c.fy * p.y * rz3)
	} else {
		vp.z += vj.m12 * (c.fy * clamp32(uy, -c.limYNeg, c.limYPos) * rz2)
	}
	return vp, vcov
}

// orthoProjection scales by the focal lengths with no divide; its
// Jacobian is constant, which makes the covariance propagation exact.
type orthoProjection struct {
	intrinsics
}

func (c orthoProjection) project(p vec3, cov mat3) (vec2, mat2) {
	mean := vec2{c.fx*p.x + c.cx, c.fy*p.y + c.cy}
	cov2 := mat2{
		c.fx * c.fx * cov.m00, c.fx * c.fy * cov.m01,
		c.fx * c.fy * cov.m10, c.fy * c.fy * cov.m11,
	}
	return mean, cov2
}

func (c orthoProjection) projectVJP(p vec3, cov mat3, vMean vec2, vCov mat2) (vec3, mat3) {
	vp := vec3{c.fx * vMean.x, c.fy * vMean.y, 0}
	vcov := mat3{
		m00: c.fx * c.fx * vCov.m00,
		m01: c.fx * c.fy * vCov.m01,
		m10: c.fx * c.fy * vCov.m10,
		m11: c.fy * c.fy * vCov.m11,
	}
	return vp, vcov
}

// fisheyeEps regularizes the radial terms of the equidistant model so
// that gaussians on the optical axis stay finite.
const fisheyeEps = 1e-7

// fisheyeNearAxis is the radial distance below which the backward pass
// switches to the pinhole limit of the equidistant mapping.
const fisheyeNearAxis = 1e-6

// fisheyeProjection implements the equidistant model r = f*atan2(r_xy, z).
type fisheyeProjection struct {
	intrinsics
}

func (c fisheyeProjection) jacobian(p vec3) mat23 {
	x, y, z := p.x, p.y, p.z
	x2 := x*x + fisheyeEps
	y2 := y * y
	xy := x * y
	s := x2 + y2
	l := math32.Sqrt(s)
	n := s + z*z
	ninv := 1 / n
	theta := math32.Atan2(l, z)
	a := z * ninv / s
	b := theta / (s * l)
	return mat23{
		c.fx * (x2*a + y2*b), c.fx * xy * (a - b), -c.fx * x * ninv,
		c.fy * xy * (a - b), c.fy * (y2*a + x2*b), -c.fy * y * ninv,
	}
}

func (c fisheyeProjection) project(p vec3, cov mat3) (vec2, mat2) {
	rr := math32.Hypot(p.x, p.y)
	theta := math32.Atan2(rr, p.z)
	m := theta / (rr + fisheyeEps)
	mean := vec2{c.fx*p.x*m + c.cx, c.fy*p.y*m + c.cy}
	return mean, jsj(c.jacobian(p), cov)
}

func (c fisheyeProjection) projectVJP(p vec3, cov mat3, vMean vec2, vCov mat2) (vec3, mat3) {
	x, y, z := p.x, p.y, p.z
	j := c.jacobian(p)
	vcov := jtwj(j, vCov)
	vj := jGrad(vCov, j, cov)

	x2 := x*x + fisheyeEps
	y2 := y * y
	xy := x * y
	s := x2 + y2
	l := math32.Sqrt(s)
	n := s + z*z
	ninv := 1 / n
	ninv2 := ninv * ninv
	theta := math32.Atan2(l, z)
	a := z * ninv / s
	b := theta / (s * l)

	// Partials of the shared radial terms.
	dadx := -2 * x * z * (n + s) / (s * s * n * n)
	dady := -2 * y * z * (n + s) / (s * s * n * n)
	dadz := (n - 2*z*z) / (s * n * n)
	s3 := s * s * s
	dbdx := x * (z*s/n - 3*theta*l) / s3
	dbdy := y * (z*s/n - 3*theta*l) / s3
	dbdz := -1 / (s * n)

	var vp vec3
	vp.x += vj.m00 * c.fx * (2*x*a + x2*dadx + y2*dbdx)
	vp.y += vj.m00 * c.fx * (x2*dady + 2*y*b + y2*dbdy)
	vp.z += vj.m00 * c.fx * (x2*dadz + y2*dbdz)

	vp.x += vj.m01 * c.fx * (y*(a-b) + xy*(dadx-dbdx))
	vp.y += vj.m01 * c.fx * (x*(a-b) + xy*(dady-dbdy))
	vp.z += vj.m01 * c.fx * xy * (dadz - dbdz)

	vp.x += vj.m02 * c.fx * (2*x*x*ninv2 - ninv)
	vp.y += vj.m02 * c.fx * 2 * x * y * ninv2
	vp.z += vj.m02 * c.fx * 2 * x * z * ninv2

	vp.x += vj.m10 * c.fy * (y*(a-b) + xy*(dadx-dbdx))
	vp.y += vj.m10 * c.fy * (x*(a-b) + xy*(dady-dbdy))
	vp.z += vj.m10 * c.fy * xy * (dadz - dbdz)

	vp.x += vj.m11 * c.fy * (y2*dadx + 2*x*b + x2*dbdx)
	vp.y += vj.m11 * c.fy * (2*y*a + y2*dady + x2*dbdy)
	vp.z += vj.m11 * c.fy * (y2*dadz + x2*dbdz)

	vp.x += vj.m12 * c.fy * 2 * y * x * ninv2
	vp.y += vj.m12 * c.fy * (2*y*y*ninv2 - ninv)
	vp.z += vj.m12 * c.fy * 2 * y * z * ninv2

	// Mean gradient through m = theta/(r+eps).
	rr := math32.Hypot(x, y)
	if rr > fisheyeNearAxis {
		n2 := rr*rr + z*z
		d := rr + fisheyeEps
		thb := math32.Atan2(rr, z)
		m := thb / d
		dmdx := (z*x/(rr*n2)*d - thb*(x/rr)) / (d * d)
		dmdy := (z*y/(rr*n2)*d - thb*(y/rr)) / (d * d)
		dmdz := -rr / (n2 * d)
		vp.x += vMean.x*c.fx*(m+x*dmdx) + vMean.y*c.fy*y*dmdx
		vp.y += vMean.x*c.fx*x*dmdy + vMean.y*c.fy*(m+y*dmdy)
		vp.z += vMean.x*c.fx*x*dmdz + vMean.y*c.fy*y*dmdz
	} else {
		// On the axis the equidistant mapping degenerates to the
		// pinhole limit.
		rz := 1 / z
		vp.x += vMean.x * c.fx * rz
		vp.y += vMean.y * c.fy * rz
		vp.z += -(c.fx*x*vMean.x + c.fy*y*vMean.y) * rz * rz
	}
	return vp, vcov
}
