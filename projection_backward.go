package gsplat

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// ProjectionGrads holds the input gradients produced by
// Projection.Backward. Covars is set when the forward received explicit
// covariances; otherwise Quats and Scales are set. Fields mirror the
// shapes of the corresponding forward inputs.
type ProjectionGrads struct {
	Means    Tensor
	Covars   Tensor
	Quats    Tensor
	Scales   Tensor
	Viewmats Tensor
}

// Backward maps gradients on the projection outputs back to the forward
// inputs. Upstream tensors must match the layout of the forward outputs
// (dense or packed); any of them may be absent. Culled entries
// contribute nothing.
//
// The viewmat gradient covers the rotation and translation entries; the
// constant bottom row stays zero.
func (p *Projection) Backward(vMeans2D, vDepths, vConics, vCompensations Tensor) (*ProjectionGrads, error) {
	if err := gradShape("vMeans2D", vMeans2D, p.Means2D.Shape); err != nil {
		return nil, err
	}
	if err := gradShape("vDepths", vDepths, p.Depths.Shape); err != nil {
		return nil, err
	}
	if err := gradShape("vConics", vConics, p.Conics.Shape); err != nil {
		return nil, err
	}
	if err := gradShape("vCompensations", vCompensations, p.Compensations.Shape); err != nil {
		return nil, err
	}

	n := p.gaussians
	cams := p.cameras
	b := numel(p.batchShape)
	images := b * cams
	total := images * n
	projs, err := buildProjections(p.opts.model, p.ks.Data, images, p.width, p.height)
	if err != nil {
		return nil, err
	}

	// Packed rows keyed by their dense index, -1 where culled.
	var rowOf []int32
	if p.Packed {
		rowOf = make([]int32, total)
		for i := range rowOf {
			rowOf[i] = -1
		}
		for m := range p.BatchIDs.Data {
			img := int(p.BatchIDs.Data[m])*cams + int(p.CameraIDs.Data[m])
			rowOf[img*n+int(p.GaussianIDs.Data[m])] = int32(m)
		}
	}

	hasCovars := !p.covars.IsEmpty()
	g := &ProjectionGrads{
		Means:    NewTensor(append([]int{}, p.means.Shape...)...),
		Viewmats: NewTensor(append([]int{}, p.viewmats.Shape...)...),
	}
	if hasCovars {
		g.Covars = NewTensor(append([]int{}, p.covars.Shape...)...)
	} else {
		g.Quats = NewTensor(append([]int{}, p.quats.Shape...)...)
		g.Scales = NewTensor(append([]int{}, p.scales.Shape...)...)
	}

	// Viewmat gradients are shared across gaussians, so each worker
	// accumulates into its own scratch, reduced below.
	pool := parallel.Default()
	scratch := make([][]float32, pool.Workers())
	for w := range scratch {
		scratch[w] = make([]float32, images*16)
	}

	pool.For(b*n, projGrain, func(worker, lo, hi int) {
		vm := scratch[worker]
		for i := lo; i < hi; i++ {
			bi := i / n
			el := i % n
			pw := vec3{p.means.Data[i*3], p.means.Data[i*3+1], p.means.Data[i*3+2]}
			sw := p.worldCovars[i]

			var vSw mat3
			for ci := 0; ci < cams; ci++ {
				img := bi*cams + ci
				idx := img*n + el
				if p.denseRadii[idx*2] <= 0 || p.denseRadii[idx*2+1] <= 0 {
					continue
				}
				uIdx := idx
				if p.Packed {
					uIdx = int(rowOf[idx])
				}

				var vMean2 vec2
				if !vMeans2D.IsEmpty() {
					vMean2 = vec2{vMeans2D.Data[uIdx*2], vMeans2D.Data[uIdx*2+1]}
				}
				var vDepth float32
				if !vDepths.IsEmpty() {
					vDepth = vDepths.Data[uIdx]
				}
				var vConA, vConB, vConC float32
				if !vConics.IsEmpty() {
					vConA = vConics.Data[uIdx*3]
					vConB = vConics.Data[uIdx*3+1]
					vConC = vConics.Data[uIdx*3+2]
				}
				var vComp float32
				if !vCompensations.IsEmpty() {
					vComp = vCompensations.Data[uIdx]
				}

				rot, t := viewAt(p.viewmats.Data, img*16)
				pc := rot.mulVec(pw).add(t)
				sc := sandwich(rot, sw)
				_, covOrig := projs[img].project(pc, sc)
				detOrig := covOrig.det()
				covBlur := covOrig
				covBlur.m00 += p.opts.eps2D
				covBlur.m11 += p.opts.eps2D
				det := covBlur.det()
				if det <= 0 {
					continue
				}

				// Conic gradient through the 2x2 inverse. The compact
				// off-diagonal entry feeds both mirrored positions.
				inv := mat2{covBlur.m11 / det, -covBlur.m01 / det, -covBlur.m10 / det, covBlur.m00 / det}
				gc := mat2{vConA, vConB / 2, vConB / 2, vConC}
				vSb := inv.mul(gc).mul(inv).scale(-1)

				if vComp != 0 && detOrig > 0 {
					comp := math32.Sqrt(detOrig / det)
					soInv := mat2{covOrig.m11 / detOrig, -covOrig.m01 / detOrig, -covOrig.m10 / detOrig, covOrig.m00 / detOrig}
					vSb = vSb.add(soInv.add(inv.scale(-1)).scale(vComp * 0.5 * comp))
				}

				vp, vSc := projs[img].projectVJP(pc, sc, vMean2, vSb)
				vp.z += vDepth

				vpw := rot.mulVecT(vp)
				g.Means.Data[i*3] += vpw.x
				g.Means.Data[i*3+1] += vpw.y
				g.Means.Data[i*3+2] += vpw.z
				vSw = vSw.add(sandwich(rot.transpose(), vSc))

				// d(R Sw R^T)/dR and d(R p + t)/dR, dt.
				vRot := outer(vp, pw).add(vSc.add(vSc.transpose()).mul(rot).mul(sw))
				off := img * 16
				vm[off] += vRot.m00
				vm[off+1] += vRot.m01
				vm[off+2] += vRot.m02
				vm[off+3] += vp.x
				vm[off+4] += vRot.m10
				vm[off+5] += vRot.m11
				vm[off+6] += vRot.m12
				vm[off+7] += vp.y
				vm[off+8] += vRot.m20
				vm[off+9] += vRot.m21
				vm[off+10] += vRot.m22
				vm[off+11] += vp.z
			}

			switch {
			case hasCovars && p.triu:
				off := i * 6
				g.Covars.Data[off] = vSw.m00
				g.Covars.Data[off+1] = vSw.m01 + vSw.m10
				g.Covars.Data[off+2] = vSw.m02 + vSw.m20
				g.Covars.Data[off+3] = vSw.m11
				g.Covars.Data[off+4] = vSw.m12 + vSw.m21
				g.Covars.Data[off+5] = vSw.m22
			case hasCovars:
				storeMat3(g.Covars.Data, i*9, vSw)
			default:
				qw, qx, qy, qz, qinv := unitQuat(p.quats.Data, i*4)
				rq := quatRotMat(qw, qx, qy, qz)
				sx, sy, sz := p.scales.Data[i*3], p.scales.Data[i*3+1], p.scales.Data[i*3+2]
				m := scaleColumns(rq, sx, sy, sz)
				vmg := vSw.add(vSw.transpose()).mul(m)
				vr := scaleColumns(vmg, sx, sy, sz)
				g.Scales.Data[i*3] = rq.m00*vmg.m00 + rq.m10*vmg.m10 + rq.m20*vmg.m20
				g.Scales.Data[i*3+1] = rq.m01*vmg.m01 + rq.m11*vmg.m11 + rq.m21*vmg.m21
				g.Scales.Data[i*3+2] = rq.m02*vmg.m02 + rq.m12*vmg.m12 + rq.m22*vmg.m22
				vw, vx, vy, vz := quatRotMatVJP(qw, qx, qy, qz, vr)
				dot := qw*vw + qx*vx + qy*vy + qz*vz
				g.Quats.Data[i*4] = qinv * (vw - qw*dot)
				g.Quats.Data[i*4+1] = qinv * (vx - qx*dot)
				g.Quats.Data[i*4+2] = qinv * (vy - qy*dot)
				g.Quats.Data[i*4+3] = qinv * (vz - qz*dot)
			}
		}
	})

	// Stealing decides which entries landed in which buffer, so this
	// sum's float order varies run to run.
	for _, vm := range scratch {
		for j, v := range vm {
			g.Viewmats.Data[j] += v
		}
	}
	return g, nil
}

func gradShape(name string, grad Tensor, want []int) error {
	if grad.IsEmpty() {
		return nil
	}
	if !shapeEqual(grad.Shape, want) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, grad.Shape, want)
	}
	return nil
}
