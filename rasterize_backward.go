package gsplat

import (
	"github.com/chewxy/math32"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// RenderGrads holds the input gradients produced by Render.Backward.
// Backgrounds is set only when the forward received a background.
type RenderGrads struct {
	Means2D     Tensor
	Conics      Tensor
	Colors      Tensor
	Opacities   Tensor
	Backgrounds Tensor
}

// renderScratch is one worker's gradient accumulator. Tiles sharing a
// gaussian race on its gradient, so each worker owns a private copy,
// reduced after the sweep. Stealing decides the tile-to-worker
// assignment, so the summation order is not reproducible across runs.
type renderScratch struct {
	means2d   []float32
	conics    []float32
	colors    []float32
	opacities []float32
	bg        []float32
}

// Backward maps gradients on the rendered colors and alphas back to the
// per-gaussian inputs. Either upstream may be absent.
//
// Each pixel is replayed back to front from its saved last blended
// gaussian, reconstructing the transmittance in front of every
// contribution by dividing it back out.
func (r *Render) Backward(vColors, vAlphas Tensor) (*RenderGrads, error) {
	if err := gradShape("vColors", vColors, r.Colors.Shape); err != nil {
		return nil, err
	}
	if err := gradShape("vAlphas", vAlphas, r.Alphas.Shape); err != nil {
		return nil, err
	}

	images := numel(r.batchShape) * r.cameras
	total := images * r.gaussians
	ch := r.channels
	hasBG := !r.backgrounds.IsEmpty()

	pool := parallel.Default()
	scratch := make([]renderScratch, pool.Workers())
	for w := range scratch {
		scratch[w] = renderScratch{
			means2d:   make([]float32, total*2),
			conics:    make([]float32, total*3),
			colors:    make([]float32, total*ch),
			opacities: make([]float32, total),
		}
		if hasBG {
			scratch[w].bg = make([]float32, images*ch)
		}
	}

	nTiles := r.isects.tileWidth * r.isects.tileHeight
	pool.For(images*nTiles, 1, func(worker, lo, hi int) {
		s := &scratch[worker]
		buffer := make([]float32, ch)
		for g := lo; g < hi; g++ {
			img := g / nTiles
			tile := g % nTiles
			ty := tile / r.isects.tileWidth
			tx := tile % r.isects.tileWidth
			start := int(r.offsets.Data[g])

			y0 := ty * r.isects.tileSize
			x0 := tx * r.isects.tileSize
			y1 := min(y0+r.isects.tileSize, r.height)
			x1 := min(x0+r.isects.tileSize, r.width)
			for py := y0; py < y1; py++ {
				for px := x0; px < x1; px++ {
					r.blendPixelVJP(s, buffer, vColors, vAlphas, img, px, py, start)
				}
			}
		}
	})

	grads := &RenderGrads{
		Means2D:   NewTensor(append([]int{}, r.means2d.Shape...)...),
		Conics:    NewTensor(append([]int{}, r.conics.Shape...)...),
		Colors:    NewTensor(append([]int{}, r.colors.Shape...)...),
		Opacities: NewTensor(append([]int{}, r.opacities.Shape...)...),
	}
	if hasBG {
		grads.Backgrounds = NewTensor(append([]int{}, r.backgrounds.Shape...)...)
	}
	for _, s := range scratch {
		addInto(grads.Means2D.Data, s.means2d)
		addInto(grads.Conics.Data, s.conics)
		addInto(grads.Colors.Data, s.colors)
		addInto(grads.Opacities.Data, s.opacities)
		if hasBG {
			addInto(grads.Backgrounds.Data, s.bg)
		}
	}
	return grads, nil
}

// blendPixelVJP replays one pixel back to front, accumulating gradients
// into the worker scratch.
func (r *Render) blendPixelVJP(s *renderScratch, buffer []float32, vColors, vAlphas Tensor, img, px, py, start int) {
	pix := (img*r.height+py)*r.width + px
	last := int(r.lastIDs[pix])
	tFinal := 1 - r.Alphas.Data[pix]

	var vOut []float32
	if !vColors.IsEmpty() {
		vOut = vColors.Data[pix*r.channels : (pix+1)*r.channels]
	}
	var vAlphaOut float32
	if !vAlphas.IsEmpty() {
		vAlphaOut = vAlphas.Data[pix]
	}
	if vOut != nil && !r.backgrounds.IsEmpty() {
		off := img * r.channels
		for k := 0; k < r.channels; k++ {
			s.bg[off+k] += tFinal * vOut[k]
		}
	}
	if last < start {
		return
	}

	cx := float32(px) + 0.5
	cy := float32(py) + 0.5
	clear(buffer)
	t := tFinal
	for i := last; i >= start; i-- {
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
		opac := r.opacities.Data[gid]
		vis := math32.Exp(-sigma)
		alpha := min(alphaMax, opac*vis)
		if alpha < alphaMin {
			continue
		}

		ra := 1 / (1 - alpha)
		t *= ra
		fac := alpha * t

		var vAlpha float32
		if vOut != nil {
			for k := 0; k < r.channels; k++ {
				col := r.colors.Data[gid*r.channels+k]
				vAlpha += (col*t - buffer[k]*ra) * vOut[k]
				s.colors[gid*r.channels+k] += fac * vOut[k]
				buffer[k] += col * fac
			}
			if !r.backgrounds.IsEmpty() {
				off := img * r.channels
				for k := 0; k < r.channels; k++ {
					vAlpha -= tFinal * ra * r.backgrounds.Data[off+k] * vOut[k]
				}
			}
		}
		vAlpha += tFinal * ra * vAlphaOut

		// A clamped alpha is flat in sigma and opacity.
		if opac*vis <= alphaMax {
			vSigma := -opac * vis * vAlpha
			s.conics[gid*3] += 0.5 * vSigma * dx * dx
			s.conics[gid*3+1] += vSigma * dx * dy
			s.conics[gid*3+2] += 0.5 * vSigma * dy * dy
			s.means2d[gid*2] += vSigma * (a*dx + b*dy)
			s.means2d[gid*2+1] += vSigma * (b*dx + c*dy)
			s.opacities[gid] += vis * vAlpha
		}
	}
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}
