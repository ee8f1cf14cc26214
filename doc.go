// Package gsplat renders scenes of anisotropic 3D Gaussian primitives
// ("splats") into 2D images, differentiably.
//
// # Overview
//
// Given per-gaussian parameters (position, orientation, scale, opacity,
// color) and one or more camera poses and intrinsics, the package
// produces rendered color and alpha images, and on the backward pass the
// gradients of all continuous inputs with respect to a loss on the
// rendered pixels. It is the projection-and-rasterization core of a
// novel-view-synthesis system; data loading, optimizers and the autograd
// graph are external collaborators.
//
// # Pipeline
//
// The pipeline is a chain of pure batched operations, each an explicit
// forward/backward pair:
//
//	QuatScaleToCovarPreci   quaternion+scale -> 3x3 covariance/precision
//	Proj                    camera-space gaussians -> 2D mean + 2D covariance
//	ProjectGaussians        fused world->screen projection with culling
//	IsectTiles              tile intersection, depth-sorted work lists
//	IsectOffsetEncode       CSR offsets into the sorted intersection list
//	RasterizeToPixels       front-to-back alpha compositing, per tile
//	SphericalHarmonics      view-dependent color from SH coefficients
//	RenderGaussians         facade chaining all of the above
//
// Forward calls return result structs that retain the saved state needed
// for their backward pass; callers chain the Backward methods in reverse
// order of the forwards.
//
// # Layout conventions
//
// All operations are batched over zero or more leading batch dimensions,
// followed by a camera count C and a gaussian count N. Batched inputs of
// one call must share identical batch dimensions. Continuous values are
// float32 ([Tensor]); radii, ids and offsets are int32 ([Ints]) and carry
// no gradient. Quaternions are (w, x, y, z). Matrices are row-major.
//
// # Dense and packed projections
//
// ProjectGaussians emits either a dense (..., C, N, ·) layout where
// culled entries hold zero radius, or a packed layout holding only the
// visible entries plus parallel (batch, camera, gaussian) index arrays.
// The packed rows are exactly the valid subset of the dense rows.
//
// # Concurrency
//
// Operations are synchronous, data-parallel batch transforms: projection
// sweeps elements and rasterization sweeps tiles on an internal worker
// pool. Each tile's pixels are owned by one worker per call; backward
// passes scatter gradients into per-worker buffers reduced after the
// sweep. Work stealing decides which buffer each element lands in, so
// gradients shared across elements (and the reduction's float summation
// order) can vary between runs at round-off level.
package gsplat
