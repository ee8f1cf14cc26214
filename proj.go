package gsplat

import (
	"fmt"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// projGrain is the chunk size for element-parallel sweeps.
const projGrain = 512

// Proj projects camera-space gaussians onto the image plane of the
// selected camera model.
//
// Shapes: means [..., C, N, 3] (camera space), covars [..., C, N, 3, 3]
// (camera space), Ks [..., C, 3, 3]. Returns means2d [..., C, N, 2] in
// pixel coordinates and covars2d [..., C, N, 2, 2] in pixel^2 units.
//
// Proj is the standalone projector; ProjectGaussians fuses it with the
// world-to-camera transform and culling.
func Proj(means, covars, ks Tensor, width, height int, model CameraModel) (means2d, covars2d Tensor, err error) {
	if width <= 0 || height <= 0 {
		return Tensor{}, Tensor{}, fmt.Errorf("%w: image %dx%d", ErrInvalidDimensions, width, height)
	}
	if err := wantDims("means", means.Shape, -1, -1, 3); err != nil {
		return Tensor{}, Tensor{}, err
	}
	c := means.Dim(-3)
	n := means.Dim(-2)
	if err := wantDims("covars", covars.Shape, c, n, 3, 3); err != nil {
		return Tensor{}, Tensor{}, err
	}
	if err := wantDims("Ks", ks.Shape, c, 3, 3); err != nil {
		return Tensor{}, Tensor{}, err
	}
	batch, err := sameBatch(means.batch(3), covars.batch(4), ks.batch(3))
	if err != nil {
		return Tensor{}, Tensor{}, err
	}
	projs, err := buildProjections(model, ks.Data, numel(batch)*c, width, height)
	if err != nil {
		return Tensor{}, Tensor{}, err
	}

	outShape := append(append([]int{}, batch...), c, n, 2)
	covShape := append(append([]int{}, batch...), c, n, 2, 2)
	means2d = NewTensor(outShape...)
	covars2d = NewTensor(covShape...)

	total := numel(batch) * c * n
	parallel.Default().For(total, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			img := idx / n
			p := vec3{means.Data[idx*3], means.Data[idx*3+1], means.Data[idx*3+2]}
			s := mat3At(covars.Data, idx*9)
			mean2, cov2 := projs[img].project(p, s)
			means2d.Data[idx*2] = mean2.x
			means2d.Data[idx*2+1] = mean2.y
			covars2d.Data[idx*4] = cov2.m00
			covars2d.Data[idx*4+1] = cov2.m01
			covars2d.Data[idx*4+2] = cov2.m10
			covars2d.Data[idx*4+3] = cov2.m11
		}
	})
	return means2d, covars2d, nil
}

// ProjBackward pulls gradients on the projected mean and covariance back
// to the camera-space mean and covariance. Inputs mirror Proj; vMeans2d
// and vCovars2d are the upstream gradients (either may be absent).
func ProjBackward(means, covars, ks Tensor, width, height int, model CameraModel, vMeans2d, vCovars2d Tensor) (vMeans, vCovars Tensor, err error) {
	if err := wantDims("means", means.Shape, -1, -1, 3); err != nil {
		return Tensor{}, Tensor{}, err
	}
	c := means.Dim(-3)
	n := means.Dim(-2)
	if err := wantDims("covars", covars.Shape, c, n, 3, 3); err != nil {
		return Tensor{}, Tensor{}, err
	}
	if !vMeans2d.IsEmpty() {
		if err := wantDims("vMeans2d", vMeans2d.Shape, c, n, 2); err != nil {
			return Tensor{}, Tensor{}, err
		}
	}
	if !vCovars2d.IsEmpty() {
		if err := wantDims("vCovars2d", vCovars2d.Shape, c, n, 2, 2); err != nil {
			return Tensor{}, Tensor{}, err
		}
	}
	batch := means.batch(3)
	projs, err := buildProjections(model, ks.Data, numel(batch)*c, width, height)
	if err != nil {
		return Tensor{}, Tensor{}, err
	}

	vMeans = NewTensor(append([]int{}, means.Shape...)...)
	vCovars = NewTensor(append([]int{}, covars.Shape...)...)

	total := numel(batch) * c * n
	parallel.Default().For(total, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			img := idx / n
			p := vec3{means.Data[idx*3], means.Data[idx*3+1], means.Data[idx*3+2]}
			s := mat3At(covars.Data, idx*9)
			var vMean vec2
			if !vMeans2d.IsEmpty() {
				vMean = vec2{vMeans2d.Data[idx*2], vMeans2d.Data[idx*2+1]}
			}
			var vCov mat2
			if !vCovars2d.IsEmpty() {
				vCov = mat2{
					vCovars2d.Data[idx*4], vCovars2d.Data[idx*4+1],
					vCovars2d.Data[idx*4+2], vCovars2d.Data[idx*4+3],
				}
			}
			vp, vs := projs[img].projectVJP(p, s, vMean, vCov)
			vMeans.Data[idx*3] = vp.x
			vMeans.Data[idx*3+1] = vp.y
			vMeans.Data[idx*3+2] = vp.z
			storeMat3(vCovars.Data, idx*9, vs)
		}
	})
	return vMeans, vCovars, nil
}

// buildProjections instantiates one strategy per image from the flat
// intrinsics data.
func buildProjections(model CameraModel, ks []float32, images, width, height int) ([]cameraProjection, error) {
	projs := make([]cameraProjection, images)
	for i := range projs {
		p, err := newCameraProjection(model, intrinsicsAt(ks, i*9), width, height)
		if err != nil {
			return nil, err
		}
		projs[i] = p
	}
	return projs, nil
}

func mat3At(data []float32, off int) mat3 {
	return mat3{
		data[off], data[off+1], data[off+2],
		data[off+3], data[off+4], data[off+5],
		data[off+6], data[off+7], data[off+8],
	}
}

func storeMat3(data []float32, off int, m mat3) {
	data[off] = m.m00
	data[off+1] = m.m01
	data[off+2] = m.m02
	data[off+3] = m.m10
	data[off+4] = m.m11
	data[off+5] = m.m12
	data[off+6] = m.m20
	data[off+7] = m.m21
	data[off+8] = m.m22
}
