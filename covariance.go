package gsplat

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// QuatScaleToCovarPreci converts per-gaussian quaternions and scales
// into 3x3 covariance and/or precision matrices.
//
// Shapes: quats [..., 4] in (w, x, y, z) order (normalized internally),
// scales [..., 3] with positive entries. With triu=false the outputs are
// full row-major [..., 3, 3] matrices; with triu=true they are compact
// upper-triangular [..., 6] in (c00, c01, c02, c11, c12, c22) order.
//
// Covariance = R diag(s^2) R^T and Precision = R diag(s^-2) R^T, so
// Precision is the exact inverse of Covariance. Outputs not requested
// are returned absent.
func QuatScaleToCovarPreci(quats, scales Tensor, computeCovar, computePreci, triu bool) (covars, precis Tensor, err error) {
	count, batch, err := covarArgs(quats, scales)
	if err != nil {
		return Tensor{}, Tensor{}, err
	}
	var outShape []int
	if triu {
		outShape = append(append([]int{}, batch...), 6)
	} else {
		outShape = append(append([]int{}, batch...), 3, 3)
	}
	if computeCovar {
		covars = NewTensor(outShape...)
	}
	if computePreci {
		precis = NewTensor(outShape...)
	}

	parallel.Default().For(count, projGrain, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			r := unitRotMat(quats.Data, i*4)
			sx, sy, sz := scales.Data[i*3], scales.Data[i*3+1], scales.Data[i*3+2]
			if computeCovar {
				m := scaleColumns(r, sx, sy, sz)
				storeSym(covars.Data, i, m.mul(m.transpose()), triu)
			}
			if computePreci {
				q := scaleColumns(r, 1/sx, 1/sy, 1/sz)
				storeSym(precis.Data, i, q.mul(q.transpose()), triu)
			}
		}
	})
	return covars, precis, nil
}

// QuatScaleToCovarPreciBackward maps gradients on the covariance and/or
// precision outputs back to the quaternions and scales. Either upstream
// gradient may be absent.
//
// The precision branch divides by the scales twice; for near-zero or
// highly anisotropic scales its gradient is less accurate than the
// covariance branch. This is an accepted numerical approximation of the
// ill-conditioned inverse, not a correctness bug.
func QuatScaleToCovarPreciBackward(quats, scales Tensor, triu bool, vCovars, vPrecis Tensor) (vQuats, vScales Tensor, err error) {
	count, _, err := covarArgs(quats, scales)
	if err != nil {
		return Tensor{}, Tensor{}, err
	}
	vQuats = NewTensor(append([]int{}, quats.Shape...)...)
	vScales = NewTensor(append([]int{}, scales.Shape...)...)

	parallel.Default().For(count, projGrain, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			qw, qx, qy, qz, inv := unitQuat(quats.Data, i*4)
			r := quatRotMat(qw, qx, qy, qz)
			sx, sy, sz := scales.Data[i*3], scales.Data[i*3+1], scales.Data[i*3+2]

			var vr mat3
			if !vCovars.IsEmpty() {
				g := loadSymGrad(vCovars.Data, i, triu)
				m := scaleColumns(r, sx, sy, sz)
				vm := g.add(g.transpose()).mul(m)
				vr = vr.add(scaleColumns(vm, sx, sy, sz))
				vScales.Data[i*3] += r.m00*vm.m00 + r.m10*vm.m10 + r.m20*vm.m20
				vScales.Data[i*3+1] += r.m01*vm.m01 + r.m11*vm.m11 + r.m21*vm.m21
				vScales.Data[i*3+2] += r.m02*vm.m02 + r.m12*vm.m12 + r.m22*vm.m22
			}
			if !vPrecis.IsEmpty() {
				g := loadSymGrad(vPrecis.Data, i, triu)
				q := scaleColumns(r, 1/sx, 1/sy, 1/sz)
				vq := g.add(g.transpose()).mul(q)
				vr = vr.add(scaleColumns(vq, 1/sx, 1/sy, 1/sz))
				vScales.Data[i*3] -= (r.m00*vq.m00 + r.m10*vq.m10 + r.m20*vq.m20) / (sx * sx)
				vScales.Data[i*3+1] -= (r.m01*vq.m01 + r.m11*vq.m11 + r.m21*vq.m21) / (sy * sy)
				vScales.Data[i*3+2] -= (r.m02*vq.m02 + r.m12*vq.m12 + r.m22*vq.m22) / (sz * sz)
			}

			vw, vx, vy, vz := quatRotMatVJP(qw, qx, qy, qz, vr)
			// Through the normalization q_unit = q / |q|.
			dot := qw*vw + qx*vx + qy*vy + qz*vz
			vQuats.Data[i*4] = inv * (vw - qw*dot)
			vQuats.Data[i*4+1] = inv * (vx - qx*dot)
			vQuats.Data[i*4+2] = inv * (vy - qy*dot)
			vQuats.Data[i*4+3] = inv * (vz - qz*dot)
		}
	})
	return vQuats, vScales, nil
}

func covarArgs(quats, scales Tensor) (count int, batch []int, err error) {
	if err := wantDims("quats", quats.Shape, 4); err != nil {
		return 0, nil, err
	}
	if err := wantDims("scales", scales.Shape, 3); err != nil {
		return 0, nil, err
	}
	batch, err = sameBatch(quats.batch(1), scales.batch(1))
	if err != nil {
		return 0, nil, fmt.Errorf("quats vs scales: %w", err)
	}
	return numel(batch), batch, nil
}

// unitQuat returns the normalized quaternion at off and the inverse of
// the input norm. A zero quaternion falls back to identity.
func unitQuat(data []float32, off int) (w, x, y, z, inv float32) {
	w, x, y, z = data[off], data[off+1], data[off+2], data[off+3]
	n := math32.Sqrt(w*w + x*x + y*y + z*z)
	if n == 0 {
		return 1, 0, 0, 0, 1
	}
	inv = 1 / n
	return w * inv, x * inv, y * inv, z * inv, inv
}

func unitRotMat(data []float32, off int) mat3 {
	w, x, y, z, _ := unitQuat(data, off)
	return quatRotMat(w, x, y, z)
}

// scaleColumns returns m * diag(sx, sy, sz).
func scaleColumns(m mat3, sx, sy, sz float32) mat3 {
	return mat3{
		m.m00 * sx, m.m01 * sy, m.m02 * sz,
		m.m10 * sx, m.m11 * sy, m.m12 * sz,
		m.m20 * sx, m.m21 * sy, m.m22 * sz,
	}
}

// storeSym writes a symmetric matrix either as a full 3x3 block or in
// compact upper-triangular form.
func storeSym(data []float32, i int, m mat3, triu bool) {
	if triu {
		off := i * 6
		data[off] = m.m00
		data[off+1] = m.m01
		data[off+2] = m.m02
		data[off+3] = m.m11
		data[off+4] = m.m12
		data[off+5] = m.m22
		return
	}
	storeMat3(data, i*9, m)
}

// loadSymGrad reads an upstream gradient over a symmetric output as a
// full-matrix gradient. A compact off-diagonal entry was produced once
// from a value appearing twice in the full matrix, so its gradient is
// split between the two mirrored positions.
func loadSymGrad(data []float32, i int, triu bool) mat3 {
	if triu {
		off := i * 6
		return mat3{
			data[off], data[off+1] / 2, data[off+2] / 2,
			data[off+1] / 2, data[off+3], data[off+4] / 2,
			data[off+2] / 2, data[off+4] / 2, data[off+5],
		}
	}
	return mat3At(data, i*9)
}
