package gsplat

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// Real spherical harmonics bases up to degree 4 in the band ordering
// used throughout the splatting literature, evaluated on the normalized
// view direction.
const (
	sh0  = 0.2820947917738781
	sh1  = 0.4886025119029199
	sh2a = 1.0925484305920792
	sh2b = 0.31539156525252005
	sh2c = 0.5462742152960396
	sh3a = 0.5900435899266435
	sh3b = 2.890611442640554
	sh3c = 0.4570457994644658
	sh3d = 0.3731763325901154
	sh3e = 1.445305721320277
	sh4a = 2.5033429417967046
	sh4b = 1.7701307697799304
	sh4c = 0.9461746957575601
	sh4d = 0.6690465435572892
	sh4e = 0.10578554691520431
	sh4f = 0.47308734787878004
	sh4g = 0.6258357354491761
)

// maxSHBases is the coefficient count of a degree-4 expansion.
const maxSHBases = 25

// SphericalHarmonics evaluates view-dependent colors from spherical
// harmonic coefficients.
//
// Shapes: dirs [..., 3] (un-normalized view directions), coeffs
// [..., K, ch] with K >= (degree+1)^2, masks [...] (0/1, optional).
// Returns colors [..., ch]. Bands above the requested degree are
// ignored; masked-off entries produce zeros. degree must be in [0, 4].
func SphericalHarmonics(degree int, dirs, coeffs Tensor, masks Ints) (Tensor, error) {
	n, k, ch, err := shArgs(degree, dirs, coeffs, masks)
	if err != nil {
		return Tensor{}, err
	}
	nb := (degree + 1) * (degree + 1)
	outShape := append(append([]int{}, coeffs.batch(2)...), ch)
	colors := NewTensor(outShape...)

	parallel.Default().For(n, projGrain, func(_, lo, hi int) {
		var basis [maxSHBases]float32
		for i := lo; i < hi; i++ {
			if !masks.IsEmpty() && masks.Data[i] == 0 {
				continue
			}
			x, y, z := unitDir(dirs.Data, i*3)
			shBases(degree, x, y, z, &basis)
			for j := 0; j < nb; j++ {
				b := basis[j]
				for c := 0; c < ch; c++ {
					colors.Data[i*ch+c] += b * coeffs.Data[(i*k+j)*ch+c]
				}
			}
		}
	})
	return colors, nil
}

// SphericalHarmonicsBackward maps a gradient on the evaluated colors
// back to the coefficients and, when computeVDirs is set, the view
// directions. The direction gradient flows through the internal
// normalization; a degree-0 evaluation has none.
func SphericalHarmonicsBackward(degree int, dirs, coeffs Tensor, masks Ints, vColors Tensor, computeVDirs bool) (vCoeffs, vDirs Tensor, err error) {
	n, k, ch, err := shArgs(degree, dirs, coeffs, masks)
	if err != nil {
		return Tensor{}, Tensor{}, err
	}
	if err := wantDims("vColors", vColors.Shape, ch); err != nil {
		return Tensor{}, Tensor{}, err
	}
	if _, err := sameBatch(vColors.batch(1), coeffs.batch(2)); err != nil {
		return Tensor{}, Tensor{}, err
	}
	nb := (degree + 1) * (degree + 1)
	vCoeffs = NewTensor(append([]int{}, coeffs.Shape...)...)
	if computeVDirs {
		vDirs = NewTensor(append([]int{}, dirs.Shape...)...)
	}

	parallel.Default().For(n, projGrain, func(_, lo, hi int) {
		var basis, gx, gy, gz [maxSHBases]float32
		for i := lo; i < hi; i++ {
			if !masks.IsEmpty() && masks.Data[i] == 0 {
				continue
			}
			x, y, z := unitDir(dirs.Data, i*3)
			shBasesGrad(degree, x, y, z, &basis, &gx, &gy, &gz)

			var vx, vy, vz float32
			for j := 0; j < nb; j++ {
				var w float32
				for c := 0; c < ch; c++ {
					v := vColors.Data[i*ch+c]
					vCoeffs.Data[(i*k+j)*ch+c] = basis[j] * v
					w += coeffs.Data[(i*k+j)*ch+c] * v
				}
				vx += w * gx[j]
				vy += w * gy[j]
				vz += w * gz[j]
			}

			if !computeVDirs || degree == 0 {
				continue
			}
			// Through u = d/|d|: project out the radial component.
			dx, dy, dz := dirs.Data[i*3], dirs.Data[i*3+1], dirs.Data[i*3+2]
			norm := math32.Sqrt(dx*dx + dy*dy + dz*dz)
			if norm == 0 {
				continue
			}
			dot := x*vx + y*vy + z*vz
			vDirs.Data[i*3] = (vx - x*dot) / norm
			vDirs.Data[i*3+1] = (vy - y*dot) / norm
			vDirs.Data[i*3+2] = (vz - z*dot) / norm
		}
	})
	return vCoeffs, vDirs, nil
}

func shArgs(degree int, dirs, coeffs Tensor, masks Ints) (n, k, ch int, err error) {
	if degree < 0 || degree > 4 {
		return 0, 0, 0, fmt.Errorf("%w: sh degree %d, want 0..4", ErrInvalidDimensions, degree)
	}
	if err := wantDims("dirs", dirs.Shape, 3); err != nil {
		return 0, 0, 0, err
	}
	if err := wantDims("coeffs", coeffs.Shape, -1, -1); err != nil {
		return 0, 0, 0, err
	}
	k = coeffs.Dim(-2)
	ch = coeffs.Dim(-1)
	if nb := (degree + 1) * (degree + 1); k < nb {
		return 0, 0, 0, fmt.Errorf("%w: %d sh coefficients, degree %d needs %d", ErrInvalidDimensions, k, degree, nb)
	}
	batches := [][]int{dirs.batch(1), coeffs.batch(2)}
	if !masks.IsEmpty() {
		batches = append(batches, masks.Shape)
	}
	batch, err := sameBatch(batches...)
	if err != nil {
		return 0, 0, 0, err
	}
	return numel(batch), k, ch, nil
}

// unitDir returns the normalized direction at off, or the raw zero
// vector when the direction has no length.
func unitDir(data []float32, off int) (x, y, z float32) {
	x, y, z = data[off], data[off+1], data[off+2]
	n := math32.Sqrt(x*x + y*y + z*z)
	if n == 0 {
		return x, y, z
	}
	return x / n, y / n, z / n
}

func shBases(degree int, x, y, z float32, b *[maxSHBases]float32) {
	b[0] = sh0
	if degree < 1 {
		return
	}
	b[1] = -sh1 * y
	b[2] = sh1 * z
	b[3] = -sh1 * x
	if degree < 2 {
		return
	}
	xx, yy, zz := x*x, y*y, z*z
	b[4] = sh2a * x * y
	b[5] = -sh2a * y * z
	b[6] = sh2b * (2*zz - xx - yy)
	b[7] = -sh2a * x * z
	b[8] = sh2c * (xx - yy)
	if degree < 3 {
		return
	}
	b[9] = -sh3a * y * (3*xx - yy)
	b[10] = sh3b * x * y * z
	b[11] = -sh3c * y * (4*zz - xx - yy)
	b[12] = sh3d * z * (2*zz - 3*xx - 3*yy)
	b[13] = -sh3c * x * (4*zz - xx - yy)
	b[14] = sh3e * z * (xx - yy)
	b[15] = -sh3a * x * (xx - 3*yy)
	if degree < 4 {
		return
	}
	b[16] = sh4a * x * y * (xx - yy)
	b[17] = -sh4b * y * z * (3*xx - yy)
	b[18] = sh4c * x * y * (7*zz - 1)
	b[19] = -sh4d * y * z * (7*zz - 3)
	b[20] = sh4e * (zz*(35*zz-30) + 3)
	b[21] = -sh4d * x * z * (7*zz - 3)
	b[22] = sh4f * (xx - yy) * (7*zz - 1)
	b[23] = -sh4b * x * z * (xx - 3*yy)
	b[24] = sh4g * (xx*(xx-3*yy) - yy*(3*xx-yy))
}

// shBasesGrad evaluates the bases and their partials in x, y, z. The
// normalization chain in the caller projects out the radial component,
// so the partials are taken on the raw polynomials.
func shBasesGrad(degree int, x, y, z float32, b, gx, gy, gz *[maxSHBases]float32) {
	*gx = [maxSHBases]float32{}
	*gy = [maxSHBases]float32{}
	*gz = [maxSHBases]float32{}
	shBases(degree, x, y, z, b)
	if degree < 1 {
		return
	}
	gy[1] = -sh1
	gz[2] = sh1
	gx[3] = -sh1
	if degree < 2 {
		return
	}
	xx, yy, zz := x*x, y*y, z*z
	gx[4] = sh2a * y
	gy[4] = sh2a * x
	gy[5] = -sh2a * z
	gz[5] = -sh2a * y
	gx[6] = -2 * sh2b * x
	gy[6] = -2 * sh2b * y
	gz[6] = 4 * sh2b * z
	gx[7] = -sh2a * z
	gz[7] = -sh2a * x
	gx[8] = 2 * sh2c * x
	gy[8] = -2 * sh2c * y
	if degree < 3 {
		return
	}
	gx[9] = -6 * sh3a * x * y
	gy[9] = -sh3a * (3*xx - 3*yy)
	gx[10] = sh3b * y * z
	gy[10] = sh3b * x * z
	gz[10] = sh3b * x * y
	gx[11] = 2 * sh3c * x * y
	gy[11] = -sh3c * (4*zz - xx - 3*yy)
	gz[11] = -8 * sh3c * y * z
	gx[12] = -6 * sh3d * x * z
	gy[12] = -6 * sh3d * y * z
	gz[12] = sh3d * (6*zz - 3*xx - 3*yy)
	gx[13] = -sh3c * (4*zz - 3*xx - yy)
	gy[13] = 2 * sh3c * x * y
	gz[13] = -8 * sh3c * x * z
	gx[14] = 2 * sh3e * x * z
	gy[14] = -2 * sh3e * y * z
	gz[14] = sh3e * (xx - yy)
	gx[15] = -sh3a * (3*xx - 3*yy)
	gy[15] = 6 * sh3a * x * y
	if degree < 4 {
		return
	}
	gx[16] = sh4a * y * (3*xx - yy)
	gy[16] = sh4a * x * (xx - 3*yy)
	gx[17] = -6 * sh4b * x * y * z
	gy[17] = -sh4b * z * (3*xx - 3*yy)
	gz[17] = -sh4b * y * (3*xx - yy)
	gx[18] = sh4c * y * (7*zz - 1)
	gy[18] = sh4c * x * (7*zz - 1)
	gz[18] = 14 * sh4c * x * y * z
	gy[19] = -sh4d * z * (7*zz - 3)
	gz[19] = -sh4d * y * (21*zz - 3)
	gz[20] = sh4e * (140*zz - 60) * z
	gx[21] = -sh4d * z * (7*zz - 3)
	gz[21] = -sh4d * x * (21*zz - 3)
	gx[22] = 2 * sh4f * x * (7*zz - 1)
	gy[22] = -2 * sh4f * y * (7*zz - 1)
	gz[22] = 14 * sh4f * z * (xx - yy)
	gx[23] = -sh4b * z * (3*xx - 3*yy)
	gy[23] = 6 * sh4b * x * y * z
	gz[23] = -sh4b * x * (xx - 3*yy)
	gx[24] = sh4g * (4*xx*x - 12*x*yy)
	gy[24] = sh4g * (4*yy*y - 12*xx*y)
}
