package gsplat

import (
	"math"
	"testing"
)

// runRaster drives the isect/encode/rasterize chain with a 16px tile
// grid sized to the image.
func runRaster(t *testing.T, means2d Tensor, radii Ints, depths, conics, colors, opacities, backgrounds Tensor, w, h int) *Render {
	t.Helper()
	const ts = 16
	x, err := IsectTiles(means2d, radii, depths, ts, (w+ts-1)/ts, (h+ts-1)/ts)
	if err != nil {
		t.Fatalf("IsectTiles: %v", err)
	}
	offsets, err := IsectOffsetEncode(x)
	if err != nil {
		t.Fatalf("IsectOffsetEncode: %v", err)
	}
	r, err := RasterizeToPixels(means2d, conics, colors, opacities, backgrounds, w, h, x, offsets)
	if err != nil {
		t.Fatalf("RasterizeToPixels: %v", err)
	}
	return r
}

func TestRasterizeBackground(t *testing.T) {
	means2d := NewTensor(1, 1, 2)
	radii := NewInts(1, 1, 2) // culled
	depths := NewTensor(1, 1)
	conics := NewTensor(1, 1, 3)
	colors := NewTensor(1, 1, 3)
	opacities := NewTensor(1, 1)
	bg, _ := TensorOf([]float32{0.25, 0.5, 0.75}, 1, 3)

	r := runRaster(t, means2d, radii, depths, conics, colors, opacities, bg, 16, 16)
	for p := 0; p < 16*16; p++ {
		for k := 0; k < 3; k++ {
			approx(t, "color", r.Colors.Data[p*3+k], bg.Data[k], 1e-6)
		}
		approx(t, "alpha", r.Alphas.Data[p], 0, 1e-6)
	}
}

func TestRasterizeSingleGaussian(t *testing.T) {
	// Centered on pixel (8, 8) with a unit conic, so sigma is zero at
	// the pixel center and the blend there is exactly opac*c + (1-opac)*bg.
	means2d, _ := TensorOf([]float32{8.5, 8.5}, 1, 1, 2)
	radii := Ints{Data: []int32{20, 20}, Shape: []int{1, 1, 2}}
	depths, _ := TensorOf([]float32{1}, 1, 1)
	conics, _ := TensorOf([]float32{1, 0, 1}, 1, 1, 3)
	colors, _ := TensorOf([]float32{0.2, 0.4, 0.8}, 1, 1, 3)
	opacities, _ := TensorOf([]float32{0.5}, 1, 1)
	bg, _ := TensorOf([]float32{1, 0, 0}, 1, 3)

	r := runRaster(t, means2d, radii, depths, conics, colors, opacities, bg, 16, 16)

	center := (8*16 + 8)
	approx(t, "center r", r.Colors.Data[center*3], 0.5*0.2+0.5*1, 1e-5)
	approx(t, "center g", r.Colors.Data[center*3+1], 0.5*0.4, 1e-5)
	approx(t, "center b", r.Colors.Data[center*3+2], 0.5*0.8+0.5*0, 1e-5)
	approx(t, "center alpha", r.Alphas.Data[center], 0.5, 1e-5)

	// One pixel over, sigma = 0.5 and the contribution falls off.
	side := (8*16 + 9)
	wantAlpha := 0.5 * float32(math.Exp(-0.5))
	approx(t, "side alpha", r.Alphas.Data[side], wantAlpha, 1e-5)

	if r.lastIDs[center] != 0 {
		t.Errorf("center lastID = %d, want 0", r.lastIDs[center])
	}
}

func TestRasterizeBlendOrder(t *testing.T) {
	// Two coincident gaussians; the one with the smaller depth is
	// blended first and dominates.
	means2d, _ := TensorOf([]float32{8.5, 8.5, 8.5, 8.5}, 1, 2, 2)
	radii := Ints{Data: []int32{20, 20, 20, 20}, Shape: []int{1, 2, 2}}
	depths, _ := TensorOf([]float32{5, 1}, 1, 2) // gaussian 1 is in front
	conics, _ := TensorOf([]float32{1, 0, 1, 1, 0, 1}, 1, 2, 3)
	colors, _ := TensorOf([]float32{
		0, 0, 1, // back: blue
		1, 0, 0, // front: red
	}, 1, 2, 3)
	opacities, _ := TensorOf([]float32{0.8, 0.8}, 1, 2)

	r := runRaster(t, means2d, radii, depths, conics, colors, opacities, Tensor{}, 16, 16)
	center := (8*16 + 8)
	approx(t, "red", r.Colors.Data[center*3], 0.8, 1e-5)
	approx(t, "blue", r.Colors.Data[center*3+2], 0.2*0.8, 1e-5)
	approx(t, "alpha", r.Alphas.Data[center], 1-0.2*0.2, 1e-5)
}

func TestRasterizeBackwardFiniteDiff(t *testing.T) {
	// Wide, mildly opaque gaussians keep every pixel's alpha well above
	// the skip threshold and the transmittance above the cutoff, so the
	// blend is smooth across the finite-difference step.
	means2dData := []float32{3.7, 4.1, 4.6, 3.9}
	conicData := []float32{0.02, 0.005, 0.025, 0.018, -0.004, 0.022}
	colorData := []float32{0.2, 0.5, 0.9, 0.8, 0.3, 0.1}
	opacData := []float32{0.6, 0.4}
	bgData := []float32{0.1, 0.2, 0.3}

	means2d, _ := TensorOf(means2dData, 1, 2, 2)
	radii := Ints{Data: []int32{20, 20, 20, 20}, Shape: []int{1, 2, 2}}
	depths, _ := TensorOf([]float32{1, 2}, 1, 2)
	conics, _ := TensorOf(conicData, 1, 2, 3)
	colors, _ := TensorOf(colorData, 1, 2, 3)
	opacities, _ := TensorOf(opacData, 1, 2)
	bg, _ := TensorOf(bgData, 1, 3)

	loss := func() float32 {
		r := runRaster(t, means2d, radii, depths, conics, colors, opacities, bg, 8, 8)
		return sumWeighted(r.Colors.Data) + sumWeighted(r.Alphas.Data)
	}

	r := runRaster(t, means2d, radii, depths, conics, colors, opacities, bg, 8, 8)
	g, err := r.Backward(weightedGrad(1, 8, 8, 3), weightedGrad(1, 8, 8, 1))
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}

	const h = 1e-3
	checks := []struct {
		name string
		x    []float32
		grad []float32
	}{
		{"vMeans2D", means2dData, g.Means2D.Data},
		{"vConics", conicData, g.Conics.Data},
		{"vColors", colorData, g.Colors.Data},
		{"vOpacities", opacData, g.Opacities.Data},
		{"vBackgrounds", bgData, g.Backgrounds.Data},
	}
	for _, c := range checks {
		for i := range c.x {
			want := numGrad(loss, c.x, i, h)
			approx(t, c.name, c.grad[i], want, 5e-2)
		}
	}
}

func TestRenderImage(t *testing.T) {
	means2d, _ := TensorOf([]float32{8.5, 8.5}, 1, 1, 2)
	radii := Ints{Data: []int32{20, 20}, Shape: []int{1, 1, 2}}
	depths, _ := TensorOf([]float32{1}, 1, 1)
	conics, _ := TensorOf([]float32{1, 0, 1}, 1, 1, 3)
	colors, _ := TensorOf([]float32{1, 1, 1}, 1, 1, 3)
	opacities, _ := TensorOf([]float32{1}, 1, 1)

	r := runRaster(t, means2d, radii, depths, conics, colors, opacities, Tensor{}, 16, 16)
	img, err := r.Image(0)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Fatalf("bounds %v, want 16x16", img.Bounds())
	}
	// The near-opaque center pixel should be close to white.
	c := img.NRGBAAt(8, 8)
	if c.R < 250 || c.G < 250 || c.B < 250 || c.A != 255 {
		t.Errorf("center pixel %v, want near white", c)
	}

	scaled, err := r.ImageScaled(0, 2)
	if err != nil {
		t.Fatalf("ImageScaled: %v", err)
	}
	if scaled.Bounds().Dx() != 32 || scaled.Bounds().Dy() != 32 {
		t.Errorf("scaled bounds %v, want 32x32", scaled.Bounds())
	}
	if _, err := r.Image(1); err == nil {
		t.Error("out of range image index should fail")
	}
}
