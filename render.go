package gsplat

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// renderOptions collects the tunables of RenderGaussians.
type renderOptions struct {
	proj        []ProjectionOption
	shDegree    int
	tileSize    int
	backgrounds Tensor
}

// RenderOption configures RenderGaussians.
type RenderOption func(*renderOptions)

// WithProjection forwards options to the internal ProjectGaussians call.
// The packed layout is not forwarded; the pipeline always projects
// dense.
func WithProjection(opts ...ProjectionOption) RenderOption {
	return func(o *renderOptions) { o.proj = append(o.proj, opts...) }
}

// WithSHDegree treats the colors input as spherical harmonic
// coefficients [..., N, K, ch] evaluated at the given degree along the
// camera-to-gaussian direction. Without it colors are direct
// [..., N, ch] values.
func WithSHDegree(degree int) RenderOption {
	return func(o *renderOptions) { o.shDegree = degree }
}

// WithTileSize sets the rasterization tile edge in pixels. Default 16.
func WithTileSize(size int) RenderOption {
	return func(o *renderOptions) { o.tileSize = size }
}

// WithBackgrounds composites the residual transmittance over the given
// per-camera background colors [..., C, ch]. Default is black.
func WithBackgrounds(bg Tensor) RenderOption {
	return func(o *renderOptions) { o.backgrounds = bg }
}

// RenderMeta exposes the pipeline intermediates of a RenderGaussians
// call, for inspection and for driving the per-stage Backward methods.
type RenderMeta struct {
	Projection *Projection
	Isects     *Intersections
	Offsets    Ints
	Raster     *Render

	// Colors are the per-camera blended colors [..., C, N, ch] fed to
	// the rasterizer, after spherical harmonic evaluation if requested.
	Colors Tensor

	// Opacities are the per-camera opacities [..., C, N] fed to the
	// rasterizer, after compensation if requested.
	Opacities Tensor

	TileWidth, TileHeight int
}

// RenderGaussians runs the full splatting pipeline: projection, optional
// spherical harmonic color evaluation, tile intersection and
// rasterization.
//
// Shapes: means [..., N, 3], quats [..., N, 4], scales [..., N, 3],
// opacities [..., N], colors [..., N, ch] or [..., N, K, ch] with
// WithSHDegree, viewmats [..., C, 4, 4], Ks [..., C, 3, 3]. Returns
// rendered colors [..., C, H, W, ch], alphas [..., C, H, W, 1] and the
// pipeline intermediates.
func RenderGaussians(means, quats, scales, opacities, colors, viewmats, ks Tensor, width, height int, opts ...RenderOption) (Tensor, Tensor, *RenderMeta, error) {
	o := renderOptions{shDegree: -1, tileSize: 16}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tileSize <= 0 {
		return Tensor{}, Tensor{}, nil, fmt.Errorf("%w: tile size %d", ErrInvalidDimensions, o.tileSize)
	}
	if err := wantDims("means", means.Shape, -1, 3); err != nil {
		return Tensor{}, Tensor{}, nil, err
	}
	n := means.Dim(-2)
	if err := wantDims("opacities", opacities.Shape, n); err != nil {
		return Tensor{}, Tensor{}, nil, err
	}
	if _, err := sameBatch(means.batch(2), opacities.batch(1)); err != nil {
		return Tensor{}, Tensor{}, nil, fmt.Errorf("means vs opacities: %w", err)
	}
	if err := wantDims("viewmats", viewmats.Shape, -1, 4, 4); err != nil {
		return Tensor{}, Tensor{}, nil, err
	}
	cams := viewmats.Dim(-3)

	projOpts := append(append([]ProjectionOption{}, o.proj...),
		func(po *projectionOptions) { po.packed = false })

	batch := means.batch(2)
	b := numel(batch)
	images := b * cams

	// The projection and the per-image view directions only share the
	// inputs, so they run concurrently.
	var (
		proj *Projection
		dirs Tensor
	)
	var eg errgroup.Group
	eg.Go(func() error {
		var err error
		proj, err = ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, width, height, projOpts...)
		return err
	})
	if o.shDegree >= 0 {
		eg.Go(func() error {
			dirs = viewDirections(means, viewmats, batch, cams, n)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Tensor{}, Tensor{}, nil, err
	}

	meta := &RenderMeta{
		Projection: proj,
		TileWidth:  (width + o.tileSize - 1) / o.tileSize,
		TileHeight: (height + o.tileSize - 1) / o.tileSize,
	}

	camColors, err := cameraColors(o.shDegree, colors, dirs, proj, batch, cams, n)
	if err != nil {
		return Tensor{}, Tensor{}, nil, err
	}
	meta.Colors = camColors

	// Opacity per image, folding in the dilation compensation when the
	// projection computed one.
	camOpac := NewTensor(append(append([]int{}, batch...), cams, n)...)
	parallel.Default().For(images*n, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			bi := idx / (cams * n)
			op := opacities.Data[bi*n+idx%n]
			if !proj.Compensations.IsEmpty() {
				op *= proj.Compensations.Data[idx]
			}
			camOpac.Data[idx] = op
		}
	})
	meta.Opacities = camOpac

	isects, err := IsectTiles(proj.Means2D, proj.Radii, proj.Depths, o.tileSize, meta.TileWidth, meta.TileHeight)
	if err != nil {
		return Tensor{}, Tensor{}, nil, err
	}
	meta.Isects = isects
	offsets, err := IsectOffsetEncode(isects)
	if err != nil {
		return Tensor{}, Tensor{}, nil, err
	}
	meta.Offsets = offsets

	raster, err := RasterizeToPixels(proj.Means2D, proj.Conics, camColors, camOpac, o.backgrounds, width, height, isects, offsets)
	if err != nil {
		return Tensor{}, Tensor{}, nil, err
	}
	meta.Raster = raster
	return raster.Colors, raster.Alphas, meta, nil
}

// viewDirections builds the camera-to-gaussian directions
// [..., C, N, 3]. The camera position is -R^T t of the world-to-camera
// transform.
func viewDirections(means, viewmats Tensor, batch []int, cams, n int) Tensor {
	b := numel(batch)
	dirs := NewTensor(append(append([]int{}, batch...), cams, n, 3)...)
	parallel.Default().For(b*cams*n, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			img := idx / n
			bi := img / cams
			el := idx % n
			r, t := viewAt(viewmats.Data, img*16)
			pos := r.mulVecT(t).scale(-1)
			dirs.Data[idx*3] = means.Data[(bi*n+el)*3] - pos.x
			dirs.Data[idx*3+1] = means.Data[(bi*n+el)*3+1] - pos.y
			dirs.Data[idx*3+2] = means.Data[(bi*n+el)*3+2] - pos.z
		}
	})
	return dirs
}

// cameraColors produces the per-camera color input of the rasterizer,
// either by broadcasting direct colors or by evaluating spherical
// harmonics along the view directions, masked to visible gaussians.
func cameraColors(shDegree int, colors, dirs Tensor, proj *Projection, batch []int, cams, n int) (Tensor, error) {
	b := numel(batch)
	if shDegree < 0 {
		if err := wantDims("colors", colors.Shape, n, -1); err != nil {
			return Tensor{}, err
		}
		if _, err := sameBatch(batch, colors.batch(2)); err != nil {
			return Tensor{}, err
		}
		ch := colors.Dim(-1)
		out := NewTensor(append(append([]int{}, batch...), cams, n, ch)...)
		parallel.Default().For(b*cams*n, projGrain, func(_, lo, hi int) {
			for idx := lo; idx < hi; idx++ {
				bi := idx / (cams * n)
				src := (bi*n + idx%n) * ch
				copy(out.Data[idx*ch:(idx+1)*ch], colors.Data[src:src+ch])
			}
		})
		return out, nil
	}

	if err := wantDims("colors", colors.Shape, n, -1, -1); err != nil {
		return Tensor{}, err
	}
	if _, err := sameBatch(batch, colors.batch(3)); err != nil {
		return Tensor{}, err
	}
	k := colors.Dim(-2)
	ch := colors.Dim(-1)

	// Expand coefficients per camera and mask by visibility.
	coeffs := NewTensor(append(append([]int{}, batch...), cams, n, k, ch)...)
	masks := NewInts(append(append([]int{}, batch...), cams, n)...)
	stride := k * ch
	parallel.Default().For(b*cams*n, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			bi := idx / (cams * n)
			src := (bi*n + idx%n) * stride
			copy(coeffs.Data[idx*stride:(idx+1)*stride], colors.Data[src:src+stride])
			if proj.Radii.Data[idx*2] > 0 {
				masks.Data[idx] = 1
			}
		}
	})

	evaled, err := SphericalHarmonics(shDegree, dirs, coeffs, masks)
	if err != nil {
		return Tensor{}, err
	}
	// Recenter around the DC band and clip to valid colors.
	for i, v := range evaled.Data {
		evaled.Data[i] = max(0, v+0.5)
	}
	return evaled, nil
}
