package gsplat

import (
	"fmt"
	"math"
	"math/bits"
	"slices"

	"github.com/chewxy/math32"

	"github.com/npu-chenlin/gsplat/internal/parallel"
)

// Intersections is the sorted gaussian/tile intersection list produced
// by IsectTiles. Each intersection pairs a sort key with the flattened
// dense index of the gaussian that produced it.
//
// Keys order intersections by image, then tile within the image, then
// front-to-back depth: image id in the top bits, tile id in the middle,
// and the raw float32 depth bits in the low 32. Depths are positive in
// front of the camera, where the float bit pattern sorts like the value.
type Intersections struct {
	// TilesPerGauss counts the tiles each projected gaussian touches,
	// shaped like the depths input [..., C, N].
	TilesPerGauss Ints

	// IsectIDs are the sorted composite keys.
	IsectIDs []uint64

	// FlattenIDs carry the flattened [I*N] gaussian index per
	// intersection, in key order.
	FlattenIDs Ints

	tileSize   int
	tileWidth  int
	tileHeight int
	tileBits   int
	images     int
	batchShape []int
	cameras    int
}

type isectPair struct {
	key uint64
	id  int32
}

// IsectTiles intersects projected gaussians with the tile grid of each
// image. means2d is [..., C, N, 2], radii [..., C, N, 2] (per-axis pixel
// radii, zero meaning culled), depths [..., C, N]. tileWidth and
// tileHeight give the grid size in tiles; tileSize is the tile edge in
// pixels.
//
// A gaussian touches every tile overlapped by its axis-aligned bounding
// box. Culled entries produce no intersections.
func IsectTiles(means2d Tensor, radii Ints, depths Tensor, tileSize, tileWidth, tileHeight int) (*Intersections, error) {
	if tileSize <= 0 || tileWidth <= 0 || tileHeight <= 0 {
		return nil, fmt.Errorf("%w: tile grid %dx%d, tile size %d", ErrInvalidDimensions, tileWidth, tileHeight, tileSize)
	}
	if err := wantDims("means2d", means2d.Shape, -1, -1, 2); err != nil {
		return nil, err
	}
	cams := means2d.Dim(-3)
	n := means2d.Dim(-2)
	if err := wantDims("radii", radii.Shape, cams, n, 2); err != nil {
		return nil, err
	}
	if err := wantDims("depths", depths.Shape, cams, n); err != nil {
		return nil, err
	}
	batch, err := sameBatch(means2d.batch(3), radii.batch(3), depths.batch(2))
	if err != nil {
		return nil, err
	}

	images := numel(batch) * cams
	total := images * n
	x := &Intersections{
		tileSize:   tileSize,
		tileWidth:  tileWidth,
		tileHeight: tileHeight,
		tileBits:   bits.Len(uint(tileWidth * tileHeight)),
		images:     images,
		batchShape: append([]int{}, batch...),
		cameras:    cams,
	}
	x.TilesPerGauss = NewInts(append([]int{}, depths.Shape...)...)

	ts := float32(tileSize)
	bounds := func(idx int) (x0, x1, y0, y1 int32) {
		rx := float32(radii.Data[idx*2])
		ry := float32(radii.Data[idx*2+1])
		mx := means2d.Data[idx*2]
		my := means2d.Data[idx*2+1]
		x0 = clampTile(math32.Floor((mx-rx)/ts), tileWidth)
		x1 = clampTile(math32.Ceil((mx+rx)/ts), tileWidth)
		y0 = clampTile(math32.Floor((my-ry)/ts), tileHeight)
		y1 = clampTile(math32.Ceil((my+ry)/ts), tileHeight)
		return x0, x1, y0, y1
	}

	parallel.Default().For(total, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			if radii.Data[idx*2] <= 0 || radii.Data[idx*2+1] <= 0 {
				continue
			}
			x0, x1, y0, y1 := bounds(idx)
			x.TilesPerGauss.Data[idx] = (x1 - x0) * (y1 - y0)
		}
	})

	// Exclusive scan into per-gaussian output offsets.
	offsets := make([]int, total+1)
	for idx := 0; idx < total; idx++ {
		offsets[idx+1] = offsets[idx] + int(x.TilesPerGauss.Data[idx])
	}
	nIsects := offsets[total]

	pairs := make([]isectPair, nIsects)
	shift := uint(32 + x.tileBits)
	parallel.Default().For(total, projGrain, func(_, lo, hi int) {
		for idx := lo; idx < hi; idx++ {
			if x.TilesPerGauss.Data[idx] == 0 {
				continue
			}
			img := idx / n
			depthBits := uint64(math.Float32bits(depths.Data[idx]))
			base := uint64(img) << shift
			x0, x1, y0, y1 := bounds(idx)
			cur := offsets[idx]
			for ty := y0; ty < y1; ty++ {
				for tx := x0; tx < x1; tx++ {
					tile := uint64(ty)*uint64(tileWidth) + uint64(tx)
					pairs[cur] = isectPair{key: base | tile<<32 | depthBits, id: int32(idx)}
					cur++
				}
			}
		}
	})

	slices.SortStableFunc(pairs, func(a, b isectPair) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		}
		return 0
	})

	x.IsectIDs = make([]uint64, nIsects)
	x.FlattenIDs = NewInts(nIsects)
	for i, pr := range pairs {
		x.IsectIDs[i] = pr.key
		x.FlattenIDs.Data[i] = pr.id
	}
	Logger().Debug("gsplat: tile intersections",
		"isects", nIsects, "images", images, "grid", fmt.Sprintf("%dx%d", tileWidth, tileHeight))
	return x, nil
}

// IsectOffsetEncode converts the sorted intersection list into CSR start
// offsets per tile, shaped [..., C, tileHeight, tileWidth]. The
// intersections of tile t within image i span
// [offsets[i,t], offsets[i,t+1]) of the sorted list, with the total
// count closing the final range.
func IsectOffsetEncode(x *Intersections) (Ints, error) {
	nTiles := x.tileWidth * x.tileHeight
	nGlobal := x.images * nTiles
	shape := append(append([]int{}, x.batchShape...), x.cameras, x.tileHeight, x.tileWidth)
	offsets := NewInts(shape...)
	if len(offsets.Data) != nGlobal {
		return Ints{}, fmt.Errorf("%w: %d tiles over %d images", ErrInvalidDimensions, nTiles, x.images)
	}
	nIsects := len(x.IsectIDs)
	if nIsects == 0 {
		return offsets, nil
	}

	globalOf := func(key uint64) int {
		img := int(key >> uint(32+x.tileBits))
		tile := int(key>>32) & ((1 << uint(x.tileBits)) - 1)
		return img*nTiles + tile
	}

	// Each boundary writer owns the empty run of tiles preceding it.
	parallel.Default().For(nIsects, projGrain, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			g := globalOf(x.IsectIDs[i])
			prev := -1
			if i > 0 {
				prev = globalOf(x.IsectIDs[i-1])
			}
			for j := prev + 1; j <= g; j++ {
				offsets.Data[j] = int32(i)
			}
		}
	})
	last := globalOf(x.IsectIDs[nIsects-1])
	for j := last + 1; j < nGlobal; j++ {
		offsets.Data[j] = int32(nIsects)
	}
	return offsets, nil
}

func clampTile(v float32, n int) int32 {
	if v < 0 {
		return 0
	}
	if v > float32(n) {
		return int32(n)
	}
	return int32(v)
}
