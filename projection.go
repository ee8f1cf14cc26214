package gsplat

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// radiusExtent is the number of standard deviations of the projected
// gaussian covered by the integer footprint radius. Three sigmas cover
// 99.7% of each 1D marginal; the radius is the ceiling of that extent
// per axis.
const radiusExtent = 3.0

// projectionOptions collects the tunables of ProjectGaussians. The zero
// value is not used directly; defaults come from defaultProjectionOptions.
type projectionOptions struct {
	model             CameraModel
	near, far         float32
	eps2D             float32
	radiusClip        float32
	calcCompensations bool
	packed            bool
}

func defaultProjectionOptions() projectionOptions {
	return projectionOptions{
		model: Pinhole,
		near:  0.01,
		far:   1e10,
		eps2D: 0.3,
	}
}

// ProjectionOption configures ProjectGaussians.
type ProjectionOption func(*projectionOptions)

// WithCameraModel selects the projection model. Default is Pinhole.
func WithCameraModel(m CameraModel) ProjectionOption {
	return func(o *projectionOptions) { o.model = m }
}

// WithNearFar sets the camera-space depth clip range. Gaussians outside
// (near, far) are culled. Defaults are 0.01 and 1e10.
func WithNearFar(near, far float32) ProjectionOption {
	return func(o *projectionOptions) { o.near, o.far = near, far }
}

// WithEps2D sets the isotropic dilation added to the projected 2D
// covariance diagonal, the low-pass filter that keeps thin gaussians
// non-degenerate on screen. Default is 0.3 px^2.
func WithEps2D(eps float32) ProjectionOption {
	return func(o *projectionOptions) { o.eps2D = eps }
}

// WithRadiusClip culls gaussians whose footprint radius does not exceed
// the given pixel count. Default is 0 (keep everything visible).
func WithRadiusClip(r float32) ProjectionOption {
	return func(o *projectionOptions) { o.radiusClip = r }
}

// WithCompensations requests the dilation compensation scalar
// sqrt(det(cov2d)/det(cov2d + eps2D I)), the factor by which the
// low-pass dilation inflated the peak density. Downstream anti-aliasing
// multiplies opacities by it.
func WithCompensations() ProjectionOption {
	return func(o *projectionOptions) { o.calcCompensations = true }
}

// WithPacked selects the packed output layout: only valid entries are
// returned, identified by the BatchIDs/CameraIDs/GaussianIDs arrays.
func WithPacked() ProjectionOption {
	return func(o *projectionOptions) { o.packed = true }
}

// Projection holds the outputs of ProjectGaussians together with the
// saved state its Backward needs.
//
// Dense layout (Packed == false): Radii [...,C,N,2], Means2D
// [...,C,N,2], Depths [...,C,N], Conics [...,C,N,3] and optionally
// Compensations [...,C,N]; culled entries hold zero radius and zero
// values. Packed layout: the same fields with a leading [M] dimension
// holding only valid entries, plus the three id arrays.
type Projection struct {
	Radii         Ints
	Means2D       Tensor
	Depths        Tensor
	Conics        Tensor
	Compensations Tensor

	// BatchIDs, CameraIDs and GaussianIDs identify packed rows; they are
	// absent in the dense layout.
	BatchIDs    Ints
	CameraIDs   Ints
	GaussianIDs Ints

	// Packed reports which layout the outputs use.
	Packed bool

	// Saved forward state.
	opts          projectionOptions
	width, height int
	batchShape    []int
	cameras       int
	gaussians     int
	triu          bool
	means         Tensor
	covars        Tensor
	quats         Tensor
	scales        Tensor
	viewmats      Tensor
	ks            Tensor
	worldCovars   []mat3 // per (batch, gaussian)
	denseRadii    []int32
}

// ProjectGaussians transforms world-space gaussians into screen space
// for every camera, with visibility culling: the fused projection.
//
// Shapes: means [...,N,3]; exactly one covariance representation, either
// covars ([...,N,3,3] full or [...,N,6] upper-triangular) or quats
// [...,N,4] plus scales [...,N,3]; viewmats [...,C,4,4] (world->camera);
// Ks [...,C,3,3]. All batched inputs must share their leading batch
// dims.
//
// Per entry the forward computes the camera-space depth, the pixel-space
// mean, the inverted dilated 2D covariance (conic), the per-axis integer
// footprint radius, and optionally the dilation compensation. Entries
// are culled when the depth leaves (near, far), the dilated covariance
// is degenerate, the radius does not exceed the clip threshold, or the
// footprint misses the image entirely.
func ProjectGaussians(means, covars, quats, scales, viewmats, ks Tensor, width, height int, opts ...ProjectionOption) (*Projection, error) {
	o := defaultProjectionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: image %dx%d", ErrInvalidDimensions, width, height)
	}
	if !o.model.validTag() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCameraModel, o.model)
	}

	if err := wantDims("means", means.Shape, -1, 3); err != nil {
		return nil, err
	}
	n := means.Dim(-2)
	if err := wantDims("viewmats", viewmats.Shape, -1, 4, 4); err != nil {
		return nil, err
	}
	cams := viewmats.Dim(-3)
	if err := wantDims("Ks", ks.Shape, cams, 3, 3); err != nil {
		return nil, err
	}

	hasCovars := !covars.IsEmpty()
	hasQS := !quats.IsEmpty() || !scales.IsEmpty()
	switch {
	case hasCovars && hasQS:
		return nil, ErrConflictingCovariance
	case !hasCovars && !hasQS:
		return nil, ErrMissingCovariance
	}

	triu := false
	batches := [][]int{means.batch(2), viewmats.batch(3), ks.batch(3)}
	if hasCovars {
		if covars.Dim(-1) == 6 {
			triu = true
			if err := wantDims("covars", covars.Shape, n, 6); err != nil {
				return nil, err
			}
			batches = append(batches, covars.batch(2))
		} else {
			if err := wantDims("covars", covars.Shape, n, 3, 3); err != nil {
				return nil, err
			}
			batches = append(batches, covars.batch(3))
		}
	} else {
		if err := wantDims("quats", quats.Shape, n, 4); err != nil {
			return nil, err
		}
		if err := wantDims("scales", scales.Shape, n, 3); err != nil {
			return nil, err
		}
		batches = append(batches, quats.batch(2), scales.batch(2))
	}
	batch, err := sameBatch(batches...)
	if err != nil {
		return nil, err
	}

	b := numel(batch)
	images := b * cams
	projs, err := buildProjections(o.model, ks.Data, images, width, height)
	if err != nil {
		return nil, err
	}

	// World-space covariances per (batch, gaussian), shared across
	// cameras.
	worldCovars := make([]mat3, b*n)
	parallel.Default().For(b*n, projGrain, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			switch {
			case hasCovars && triu:
				off := i * 6
				d := covars.Data
				worldCovars[i] = mat3{
					d[off], d[off+1], d[off+2],
					d[off+1], d[off+3], d[off+4],
					d[off+2], d[off+4], d[off+5],
				}
			case hasCovars:
				worldCovars[i] = mat3At(covars.Data, i*9)
			default:
				r := unitRotMat(quats.Data, i*4)
				m := scaleColumns(r, scales.Data[i*3], scales.Data[i*3+1], scales.Data[i*3+2])
				worldCovars[i] = m.mul(m.transpose())
			}
		}
	})

	p := &Projection{
		Packed:     o.packed,
		opts:       o,
		width:      width,
		height:     height,
		batchShape: append([]int{}, batch...),
		cameras:    cams,
		gaussians:  n,
		triu:       triu,
		means:      means,
		covars:     covars,
		quats:      quats,
		scales:     scales,
		viewmats:   viewmats,
		ks:         ks,

		worldCovars: worldCovars,
	}

	// Dense buffers, compacted afterwards for the packed layout.
	total := images * n
	radii := make([]int32, total*2)
	means2d := make([]float32, total*2)
	depths := make([]float32, total)
	conics := make([]float32, total*3)
	var compensations []float32
	if o.calcCompensations {
		compensations = make([]float32, total)
	}

	parallel.Default().For(total, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			img := idx / n
			el := idx % n
			bi := img / cams
			r, t := viewAt(viewmats.Data, img*16)
			pw := vec3{means.Data[(bi*n+el)*3], means.Data[(bi*n+el)*3+1], means.Data[(bi*n+el)*3+2]}
			pc := r.mulVec(pw).add(t)
			if pc.z < o.near || pc.z > o.far {
				continue
			}
			sc := sandwich(r, worldCovars[bi*n+el])
			mean2, cov2 := projs[img].project(pc, sc)

			detOrig := cov2.det()
			cov2.m00 += o.eps2D
			cov2.m11 += o.eps2D
			det := cov2.det()
			if det <= 0 {
				continue
			}

			rx := math32.Ceil(radiusExtent * math32.Sqrt(cov2.m00))
			ry := math32.Ceil(radiusExtent * math32.Sqrt(cov2.m11))
			if math32.Max(rx, ry) <= o.radiusClip {
				continue
			}
			if mean2.x+rx <= 0 || mean2.x-rx >= float32(width) ||
				mean2.y+ry <= 0 || mean2.y-ry >= float32(height) {
				continue
			}

			radii[idx*2] = int32(rx)
			radii[idx*2+1] = int32(ry)
			means2d[idx*2] = mean2.x
			means2d[idx*2+1] = mean2.y
			depths[idx] = pc.z
			conics[idx*3] = cov2.m11 / det
			conics[idx*3+1] = -cov2.m01 / det
			conics[idx*3+2] = cov2.m00 / det
			if o.calcCompensations {
				compensations[idx] = math32.Sqrt(math32.Max(0, detOrig/det))
			}
		}
	})
	p.denseRadii = radii

	if !o.packed {
		shape2 := append(append([]int{}, batch...), cams, n, 2)
		shape1 := append(append([]int{}, batch...), cams, n)
		shape3 := append(append([]int{}, batch...), cams, n, 3)
		p.Radii = Ints{Data: radii, Shape: shape2}
		p.Means2D = Tensor{Data: means2d, Shape: shape2}
		p.Depths = Tensor{Data: depths, Shape: shape1}
		p.Conics = Tensor{Data: conics, Shape: shape3}
		if o.calcCompensations {
			p.Compensations = Tensor{Data: compensations, Shape: shape1}
		}
		logProjection(p, total)
		return p, nil
	}

	// Compact the valid subset in ascending flattened index order. An
	// entry is valid only with both radii positive, the same rule the
	// tile intersector applies to the dense layout.
	m := 0
	for idx := 0; idx < total; idx++ {
		if radii[idx*2] > 0 && radii[idx*2+1] > 0 {
			m++
		}
	}
	p.Radii = NewInts(m, 2)
	p.Means2D = NewTensor(m, 2)
	p.Depths = NewTensor(m)
	p.Conics = NewTensor(m, 3)
	if o.calcCompensations {
		p.Compensations = NewTensor(m)
	}
	p.BatchIDs = NewInts(m)
	p.CameraIDs = NewInts(m)
	p.GaussianIDs = NewInts(m)
	row := 0
	for idx := 0; idx < total; idx++ {
		if radii[idx*2] <= 0 || radii[idx*2+1] <= 0 {
			continue
		}
		img := idx / n
		p.BatchIDs.Data[row] = int32(img / cams)
		p.CameraIDs.Data[row] = int32(img % cams)
		p.GaussianIDs.Data[row] = int32(idx % n)
		p.Radii.Data[row*2] = radii[idx*2]
		p.Radii.Data[row*2+1] = radii[idx*2+1]
		p.Means2D.Data[row*2] = means2d[idx*2]
		p.Means2D.Data[row*2+1] = means2d[idx*2+1]
		p.Depths.Data[row] = depths[idx]
		p.Conics.Data[row*3] = conics[idx*3]
		p.Conics.Data[row*3+1] = conics[idx*3+1]
		p.Conics.Data[row*3+2] = conics[idx*3+2]
		if o.calcCompensations {
			p.Compensations.Data[row] = compensations[idx]
		}
		row++
	}
	logProjection(p, total)
	return p, nil
}

func logProjection(p *Projection, total int) {
	valid := 0
	for i := 0; i < total; i++ {
		if p.denseRadii[i*2] > 0 && p.denseRadii[i*2+1] > 0 {
			valid++
		}
	}
	Logger().Debug("gsplat: projected gaussians",
		"model", p.opts.model.String(), "valid", valid, "total", total, "packed", p.Packed)
}

func (m CameraModel) validTag() bool {
	return m == Pinhole || m == Ortho || m == Fisheye
}

// viewAt unpacks the rotation and translation of a 4x4 row-major
// world->camera matrix.
func viewAt(data []float32, off int) (mat3, vec3) {
	r := mat3{
		data[off], data[off+1], data[off+2],
		data[off+4], data[off+5], data[off+6],
		data[off+8], data[off+9], data[off+10],
	}
	t := vec3{data[off+3], data[off+7], data[off+11]}
	return r, t
}
