package gsplat

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

const (
	// alphaMax caps the per-gaussian alpha so transmittance never hits
	// zero exactly and the blend stays invertible in the backward pass.
	alphaMax = 0.999

	// alphaMin is the contribution threshold below which a gaussian is
	// skipped at a pixel, one step of an 8-bit channel.
	alphaMin = 1.0 / 255.0

	// transmittanceMin terminates front-to-back blending once the pixel
	// is effectively opaque.
	transmittanceMin = 1e-4
)

// Render holds the rasterized images together with the saved state its
// Backward needs.
//
// Colors is [..., C, H, W, ch], Alphas [..., C, H, W, 1]. When a
// background was supplied, Colors already includes it weighted by the
// residual transmittance.
type Render struct {
	Colors Tensor
	Alphas Tensor

	// lastIDs holds, per pixel, the index into the sorted intersection
	// list of the last gaussian blended there, or -1.
	lastIDs []int32

	means2d     Tensor
	conics      Tensor
	colors      Tensor
	opacities   Tensor
	backgrounds Tensor
	isects      *Intersections
	offsets     Ints

	width, height int
	channels      int
	gaussians     int
	batchShape    []int
	cameras       int
}

// RasterizeToPixels alpha-blends the projected gaussians front to back
// over each tile.
//
// Shapes: means2d [..., C, N, 2], conics [..., C, N, 3], colors
// [..., C, N, ch], opacities [..., C, N], backgrounds [..., C, ch] or
// absent (black). isects and offsets come from IsectTiles and
// IsectOffsetEncode over the same projection.
//
// Each pixel accumulates color*alpha*T in sorted order, where alpha is
// the opacity times the gaussian's density at the pixel center and T
// the running transmittance. Blending stops once T drops to
// transmittanceMin; the background, if any, is weighted by the final T.
func RasterizeToPixels(means2d, conics, colors, opacities, backgrounds Tensor, width, height int, isects *Intersections, offsets Ints) (*Render, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: image %dx%d", ErrInvalidDimensions, width, height)
	}
	if err := wantDims("means2d", means2d.Shape, -1, -1, 2); err != nil {
		return nil, err
	}
	cams := means2d.Dim(-3)
	n := means2d.Dim(-2)
	if err := wantDims("conics", conics.Shape, cams, n, 3); err != nil {
		return nil, err
	}
	if err := wantDims("colors", colors.Shape, cams, n, -1); err != nil {
		return nil, err
	}
	ch := colors.Dim(-1)
	if err := wantDims("opacities", opacities.Shape, cams, n); err != nil {
		return nil, err
	}
	batches := [][]int{means2d.batch(3), conics.batch(3), colors.batch(3), opacities.batch(2)}
	if !backgrounds.IsEmpty() {
		if err := wantDims("backgrounds", backgrounds.Shape, cams, ch); err != nil {
			return nil, err
		}
		batches = append(batches, backgrounds.batch(2))
	}
	batch, err := sameBatch(batches...)
	if err != nil {
		return nil, err
	}
	images := numel(batch) * cams
	if isects.images != images {
		return nil, fmt.Errorf("%w: intersections cover %d images, inputs %d", ErrShapeMismatch, isects.images, images)
	}
	if offsets.Len() != images*isects.tileWidth*isects.tileHeight {
		return nil, fmt.Errorf("%w: %d tile offsets for a %dx%d grid over %d images",
			ErrShapeMismatch, offsets.Len(), isects.tileWidth, isects.tileHeight, images)
	}

	r := &Render{
		means2d:     means2d,
		conics:      conics,
		colors:      colors,
		opacities:   opacities,
		backgrounds: backgrounds,
		isects:      isects,
		offsets:     offsets,
		width:       width,
		height:      height,
		channels:    ch,
		gaussians:   n,
		batchShape:  append([]int{}, batch...),
		cameras:     cams,
	}
	r.Colors = NewTensor(append(append([]int{}, batch...), cams, height, width, ch)...)
	r.Alphas = NewTensor(append(append([]int{}, batch...), cams, height, width, 1)...)
	r.lastIDs = make([]int32, images*height*width)

	nTiles := isects.tileWidth * isects.tileHeight
	nIsects := len(isects.IsectIDs)
	parallel.Default().For(images*nTiles, 1, func(_, lo, hi int) {
		for g := lo; g < hi; g++ {
			img := g / nTiles
			tile := g % nTiles
			ty := tile / isects.tileWidth
			tx := tile % isects.tileWidth
			start := int(offsets.Data[g])
			end := nIsects
			if g+1 < images*nTiles {
				end = int(offsets.Data[g+1])
			}

			y0 := ty * isects.tileSize
			x0 := tx * isects.tileSize
			y1 := min(y0+isects.tileSize, height)
			x1 := min(x0+isects.tileSize, width)
			for py := y0; py < y1; py++ {
				for px := x0; px < x1; px++ {
					r.blendPixel(img, px, py, start, end)
				}
			}
		}
	})
	return r, nil
}

// blendPixel runs the front-to-back blend for one pixel.
func (r *Render) blendPixel(img, px, py, start, end int) {
	cx := float32(px) + 0.5
	cy := float32(py) + 0.5
	pix := (img*r.height+py)*r.width + px
	out := r.Colors.Data[pix*r.channels : (pix+1)*r.channels]

	t := float32(1)
	last := int32(-1)
	for i := start; i < end; i++ {
		gid := int(r.isects.FlattenIDs.Data[i])
		a := r.conics.Data[gid*3]
		b := r.conics.Data[gid*3+1]
		c := r.conics.Data[gid*3+2]
		dx := r.means2d.Data[gid*2] - cx
		dy := r.means2d.Data[gid*2+1] - cy
		sigma := 0.5*(a*dx*dx+c*dy*dy) + b*dx*dy
		if sigma < 0 {
			continue
		}
		alpha := min(alphaMax, r.opacities.Data[gid]*math32.Exp(-sigma))
		if alpha < alphaMin {
			continue
		}
		nextT := t * (1 - alpha)
		if nextT <= transmittanceMin {
			break
		}
		weight := alpha * t
		for k := 0; k < r.channels; k++ {
			out[k] += r.colors.Data[gid*r.channels+k] * weight
		}
		last = int32(i)
		t = nextT
	}

	if !r.backgrounds.IsEmpty() {
		off := img * r.channels
		for k := 0; k < r.channels; k++ {
			out[k] += t * r.backgrounds.Data[off+k]
		}
	}
	r.Alphas.Data[pix] = 1 - t
	r.lastIDs[pix] = last
}
