package gsplat

import (
	"errors"
	"testing"
)

// testScene builds a small single-batch scene with identity view.
func testScene(n int) (means, quats, scales, viewmats, ks Tensor) {
	md := make([]float32, n*3)
	qd := make([]float32, n*4)
	sd := make([]float32, n*3)
	for i := 0; i < n; i++ {
		md[i*3] = 0.3 * float32(i-n/2)
		md[i*3+1] = 0.2 * float32(i%3-1)
		md[i*3+2] = 2 + 0.5*float32(i)
		qd[i*4] = 1
		qd[i*4+1] = 0.1 * float32(i%4)
		sd[i*3] = 0.1
		sd[i*3+1] = 0.15
		sd[i*3+2] = 0.2
	}
	means, _ = TensorOf(md, n, 3)
	quats, _ = TensorOf(qd, n, 4)
	scales, _ = TensorOf(sd, n, 3)
	viewmats, _ = TensorOf([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, 1, 4, 4)
	ks = testK(100, 100, 32, 24)
	return means, quats, scales, viewmats, ks
}

func TestProjectGaussiansDense(t *testing.T) {
	means, quats, scales, viewmats, ks := testScene(6)
	p, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48)
	if err != nil {
		t.Fatalf("ProjectGaussians: %v", err)
	}
	if p.Packed {
		t.Fatal("default layout should be dense")
	}
	if !shapeEqual(p.Means2D.Shape, []int{1, 6, 2}) {
		t.Errorf("means2d shape %v, want [1 6 2]", p.Means2D.Shape)
	}
	if !shapeEqual(p.Depths.Shape, []int{1, 6}) {
		t.Errorf("depths shape %v, want [1 6]", p.Depths.Shape)
	}

	for i := 0; i < 6; i++ {
		if p.Radii.Data[i*2] <= 0 {
			continue
		}
		if p.Depths.Data[i] <= 0 {
			t.Errorf("gaussian %d: visible but depth %g", i, p.Depths.Data[i])
		}
		// Conic is the inverse of a positive definite matrix.
		a, b, c := p.Conics.Data[i*3], p.Conics.Data[i*3+1], p.Conics.Data[i*3+2]
		if a <= 0 || c <= 0 || a*c-b*b <= 0 {
			t.Errorf("gaussian %d: conic (%g %g %g) not positive definite", i, a, b, c)
		}
	}
}

func TestProjectGaussiansCulling(t *testing.T) {
	// One gaussian behind the camera, one far off screen, one visible.
	md := []float32{
		0, 0, -1,
		1000, 0, 5,
		0, 0, 3,
	}
	qd := []float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0}
	sd := []float32{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
	means, _ := TensorOf(md, 3, 3)
	quats, _ := TensorOf(qd, 3, 4)
	scales, _ := TensorOf(sd, 3, 3)
	viewmats, _ := TensorOf([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, 1, 4, 4)
	ks := testK(100, 100, 32, 24)

	p, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48)
	if err != nil {
		t.Fatal(err)
	}
	if p.Radii.Data[0] != 0 || p.Radii.Data[1] != 0 {
		t.Error("gaussian behind the camera should be culled")
	}
	if p.Radii.Data[2] != 0 || p.Radii.Data[3] != 0 {
		t.Error("gaussian off screen should be culled")
	}
	if p.Radii.Data[4] <= 0 || p.Radii.Data[5] <= 0 {
		t.Error("visible gaussian should not be culled")
	}

	// Culled entries contribute no gradient.
	g, err := p.Backward(weightedGrad(1, 3, 2), weightedGrad(1, 3), weightedGrad(1, 3, 3), Tensor{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if g.Means.Data[i] != 0 {
			t.Errorf("culled gaussian mean grad[%d] = %g, want 0", i, g.Means.Data[i])
		}
	}
	hasVisibleGrad := false
	for i := 6; i < 9; i++ {
		if g.Means.Data[i] != 0 {
			hasVisibleGrad = true
		}
	}
	if !hasVisibleGrad {
		t.Error("visible gaussian received no gradient")
	}
}

func TestProjectGaussiansPackedMatchesDense(t *testing.T) {
	means, quats, scales, viewmats, ks := testScene(8)
	dense, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48, WithPacked())
	if err != nil {
		t.Fatal(err)
	}
	if !packed.Packed {
		t.Fatal("expected packed layout")
	}

	rows := packed.Depths.Len()
	validDense := 0
	for i := 0; i < 8; i++ {
		if dense.Radii.Data[i*2] > 0 && dense.Radii.Data[i*2+1] > 0 {
			validDense++
		}
	}
	if rows != validDense {
		t.Fatalf("packed rows %d, dense valid %d", rows, validDense)
	}

	for m := 0; m < rows; m++ {
		if packed.BatchIDs.Data[m] != 0 || packed.CameraIDs.Data[m] != 0 {
			t.Fatalf("row %d: unexpected ids (%d, %d)", m, packed.BatchIDs.Data[m], packed.CameraIDs.Data[m])
		}
		idx := int(packed.GaussianIDs.Data[m])
		if packed.Means2D.Data[m*2] != dense.Means2D.Data[idx*2] ||
			packed.Means2D.Data[m*2+1] != dense.Means2D.Data[idx*2+1] {
			t.Errorf("row %d: means2d differ from dense entry %d", m, idx)
		}
		if packed.Depths.Data[m] != dense.Depths.Data[idx] {
			t.Errorf("row %d: depth differs from dense entry %d", m, idx)
		}
		for k := 0; k < 3; k++ {
			if packed.Conics.Data[m*3+k] != dense.Conics.Data[idx*3+k] {
				t.Errorf("row %d: conic differs from dense entry %d", m, idx)
			}
		}
	}
}

func TestProjectGaussiansPackedBackwardMatchesDense(t *testing.T) {
	// Two cameras over eight gaussians, some culled per camera: the
	// packed backward must route each packed upstream row to the same
	// entry the dense backward reads, so the two layouts produce the
	// same input gradients under equivalent upstreams.
	const cams, n = 2, 8
	means, quats, scales, _, _ := testScene(n)
	viewmats, _ := TensorOf([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,

		1, 0, 0, 0.2,
		0, 1, 0, -0.1,
		0, 0, 1, 0.3,
		0, 0, 0, 1,
	}, cams, 4, 4)
	ks, _ := TensorOf([]float32{
		100, 0, 32, 0, 100, 24, 0, 0, 1,
		100, 0, 32, 0, 100, 24, 0, 0, 1,
	}, cams, 3, 3)

	dense, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48,
		WithCompensations())
	if err != nil {
		t.Fatal(err)
	}
	packed, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48,
		WithCompensations(), WithPacked())
	if err != nil {
		t.Fatal(err)
	}

	vMeans2D := weightedGrad(cams, n, 2)
	vDepths := weightedGrad(cams, n)
	vConics := weightedGrad(cams, n, 3)
	vComps := weightedGrad(cams, n)

	// Gather the dense upstream rows into packed order through the id
	// arrays.
	rows := packed.Depths.Len()
	pMeans2D := NewTensor(rows, 2)
	pDepths := NewTensor(rows)
	pConics := NewTensor(rows, 3)
	pComps := NewTensor(rows)
	for m := 0; m < rows; m++ {
		idx := (int(packed.BatchIDs.Data[m])*cams+int(packed.CameraIDs.Data[m]))*n +
			int(packed.GaussianIDs.Data[m])
		pMeans2D.Data[m*2] = vMeans2D.Data[idx*2]
		pMeans2D.Data[m*2+1] = vMeans2D.Data[idx*2+1]
		pDepths.Data[m] = vDepths.Data[idx]
		for k := 0; k < 3; k++ {
			pConics.Data[m*3+k] = vConics.Data[idx*3+k]
		}
		pComps.Data[m] = vComps.Data[idx]
	}

	gd, err := dense.Backward(vMeans2D, vDepths, vConics, vComps)
	if err != nil {
		t.Fatalf("dense backward: %v", err)
	}
	gp, err := packed.Backward(pMeans2D, pDepths, pConics, pComps)
	if err != nil {
		t.Fatalf("packed backward: %v", err)
	}

	for i := range gd.Means.Data {
		approx(t, "vMeans", gp.Means.Data[i], gd.Means.Data[i], 1e-6)
	}
	for i := range gd.Quats.Data {
		approx(t, "vQuats", gp.Quats.Data[i], gd.Quats.Data[i], 1e-6)
	}
	for i := range gd.Scales.Data {
		approx(t, "vScales", gp.Scales.Data[i], gd.Scales.Data[i], 1e-6)
	}
	for i := range gd.Viewmats.Data {
		approx(t, "vViewmats", gp.Viewmats.Data[i], gd.Viewmats.Data[i], 1e-6)
	}
}

func TestProjectGaussiansPackedSkipsFlatFootprint(t *testing.T) {
	// Gaussian 0's dilated y variance cancels to exactly zero while the
	// dilated determinant stays positive, leaving a footprint of radii
	// (rx, 0). The tile intersector never rasterizes such an entry, and
	// the packed layout must skip it under the same both-axes rule.
	means, _ := TensorOf([]float32{
		0, 0, 3,
		0.5, 0.2, 3,
	}, 2, 3)
	covars, _ := TensorOf([]float32{
		0.2, 1, 0,
		-1, -0.3, 0,
		0, 0, 0.1,

		0.04, 0, 0,
		0, 0.04, 0,
		0, 0, 0.04,
	}, 2, 3, 3)
	viewmats, _ := TensorOf([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, 1, 4, 4)
	ks := testK(1, 1, 32, 24)

	dense, err := ProjectGaussians(means, covars, Tensor{}, Tensor{}, viewmats, ks, 64, 48,
		WithCameraModel(Ortho))
	if err != nil {
		t.Fatal(err)
	}
	if dense.Radii.Data[0] <= 0 || dense.Radii.Data[1] != 0 {
		t.Fatalf("flat gaussian radii (%d, %d), want (>0, 0)", dense.Radii.Data[0], dense.Radii.Data[1])
	}
	if dense.Radii.Data[2] <= 0 || dense.Radii.Data[3] <= 0 {
		t.Fatal("round gaussian should be valid")
	}

	x, err := IsectTiles(dense.Means2D, dense.Radii, dense.Depths, 16, 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	if x.TilesPerGauss.Data[0] != 0 {
		t.Errorf("flat gaussian intersects %d tiles, want 0", x.TilesPerGauss.Data[0])
	}

	packed, err := ProjectGaussians(means, covars, Tensor{}, Tensor{}, viewmats, ks, 64, 48,
		WithCameraModel(Ortho), WithPacked())
	if err != nil {
		t.Fatal(err)
	}
	if rows := packed.Depths.Len(); rows != 1 {
		t.Fatalf("packed rows %d, want 1", rows)
	}
	if packed.GaussianIDs.Data[0] != 1 {
		t.Errorf("packed gaussian id %d, want 1", packed.GaussianIDs.Data[0])
	}
}

func TestProjectGaussiansCovarianceArgs(t *testing.T) {
	means, quats, scales, viewmats, ks := testScene(2)
	covars, _, err := QuatScaleToCovarPreci(quats, scales, true, false, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ProjectGaussians(means, Tensor{}, Tensor{}, Tensor{}, viewmats, ks, 64, 48); !errors.Is(err, ErrMissingCovariance) {
		t.Errorf("no covariance: got %v, want ErrMissingCovariance", err)
	}
	if _, err := ProjectGaussians(means, covars, quats, scales, viewmats, ks, 64, 48); !errors.Is(err, ErrConflictingCovariance) {
		t.Errorf("both representations: got %v, want ErrConflictingCovariance", err)
	}

	// Explicit covariances must match the quat/scale path.
	a, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ProjectGaussians(means, covars, Tensor{}, Tensor{}, viewmats, ks, 64, 48)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Means2D.Data {
		approx(t, "means2d", b.Means2D.Data[i], a.Means2D.Data[i], 1e-5)
	}
	for i := range a.Conics.Data {
		approx(t, "conics", b.Conics.Data[i], a.Conics.Data[i], 1e-4)
	}
}

func TestProjectGaussiansDepthGradExact(t *testing.T) {
	// With an identity view the depth is the world z, so a unit upstream
	// depth gradient lands exactly on the mean's z component and the
	// viewmat's translation row.
	means, quats, scales, viewmats, ks := testScene(4)
	p, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48)
	if err != nil {
		t.Fatal(err)
	}
	vDepths := NewTensor(1, 4)
	for i := range vDepths.Data {
		vDepths.Data[i] = 1
	}
	g, err := p.Backward(Tensor{}, vDepths, Tensor{}, Tensor{})
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for i := 0; i < 4; i++ {
		if p.Radii.Data[i*2] <= 0 {
			continue
		}
		approx(t, "dDepth/dMeanX", g.Means.Data[i*3], 0, 1e-6)
		approx(t, "dDepth/dMeanY", g.Means.Data[i*3+1], 0, 1e-6)
		approx(t, "dDepth/dMeanZ", g.Means.Data[i*3+2], 1, 1e-6)
	}
	// d depth / d t_z accumulates one per visible gaussian.
	visible := 0
	for i := 0; i < 4; i++ {
		if p.Radii.Data[i*2] > 0 {
			visible++
		}
	}
	approx(t, "dDepth/dTz", g.Viewmats.Data[11], float32(visible), 1e-5)
}

func TestProjectGaussiansCompensationGrad(t *testing.T) {
	// Gradients through the dilation compensation alone: the upstream
	// lands only on Compensations, flowing back through the blurred and
	// unblurred determinants.
	means, quats, scales, viewmats, ks := testScene(3)
	run := func() *Projection {
		p, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48,
			WithCompensations())
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	loss := func() float32 {
		return sumWeighted(run().Compensations.Data)
	}

	p := run()
	for i := 0; i < 3; i++ {
		if p.Radii.Data[i*2] <= 0 {
			t.Fatalf("gaussian %d culled, scene too aggressive for the gradient check", i)
		}
	}
	g, err := p.Backward(Tensor{}, Tensor{}, Tensor{}, weightedGrad(1, 3))
	if err != nil {
		t.Fatal(err)
	}

	const h = 1e-3
	for i := range means.Data {
		want := numGrad(loss, means.Data, i, h)
		approx(t, "vMeans", g.Means.Data[i], want, 3e-2)
	}
	for i := range quats.Data {
		want := numGrad(loss, quats.Data, i, h)
		approx(t, "vQuats", g.Quats.Data[i], want, 3e-2)
	}
	for i := range scales.Data {
		want := numGrad(loss, scales.Data, i, h)
		approx(t, "vScales", g.Scales.Data[i], want, 3e-2)
	}
}

func TestProjectGaussiansBackwardFiniteDiff(t *testing.T) {
	for _, model := range []CameraModel{Pinhole, Ortho, Fisheye} {
		t.Run(model.String(), func(t *testing.T) {
			means, quats, scales, viewmats, ks := testScene(3)
			run := func() *Projection {
				p, err := ProjectGaussians(means, Tensor{}, quats, scales, viewmats, ks, 64, 48,
					WithCameraModel(model))
				if err != nil {
					t.Fatal(err)
				}
				return p
			}
			loss := func() float32 {
				p := run()
				return sumWeighted(p.Means2D.Data) + sumWeighted(p.Depths.Data) + sumWeighted(p.Conics.Data)
			}

			p := run()
			for i := 0; i < 3; i++ {
				if p.Radii.Data[i*2] <= 0 {
					t.Fatalf("gaussian %d culled, scene too aggressive for the gradient check", i)
				}
			}
			g, err := p.Backward(weightedGrad(1, 3, 2), weightedGrad(1, 3), weightedGrad(1, 3, 3), Tensor{})
			if err != nil {
				t.Fatal(err)
			}

			const h = 1e-3
			for i := range means.Data {
				want := numGrad(loss, means.Data, i, h)
				approx(t, "vMeans", g.Means.Data[i], want, 3e-2)
			}
			for i := range quats.Data {
				want := numGrad(loss, quats.Data, i, h)
				approx(t, "vQuats", g.Quats.Data[i], want, 3e-2)
			}
			for i := range scales.Data {
				want := numGrad(loss, scales.Data, i, h)
				approx(t, "vScales", g.Scales.Data[i], want, 3e-2)
			}
		})
	}
}
