package gsplat

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Image converts one rendered camera image to 8-bit NRGBA for preview
// or encoding. index selects the image in flattened [batch, camera]
// order. Channels beyond the third are dropped; a single channel is
// replicated to gray. Values are clipped to [0, 1].
func (r *Render) Image(index int) (*image.NRGBA, error) {
	images := numel(r.batchShape) * r.cameras
	if index < 0 || index >= images {
		return nil, fmt.Errorf("%w: image %d of %d", ErrInvalidDimensions, index, images)
	}
	out := image.NewNRGBA(image.Rect(0, 0, r.width, r.height))
	base := index * r.height * r.width
	for py := 0; py < r.height; py++ {
		for px := 0; px < r.width; px++ {
			pix := (base + py*r.width + px) * r.channels
			var rgb [3]uint8
			for k := range rgb {
				c := k
				if c >= r.channels {
					c = r.channels - 1
				}
				rgb[k] = uint8(clamp32(r.Colors.Data[pix+c], 0, 1)*255 + 0.5)
			}
			off := out.PixOffset(px, py)
			out.Pix[off] = rgb[0]
			out.Pix[off+1] = rgb[1]
			out.Pix[off+2] = rgb[2]
			out.Pix[off+3] = 255
		}
	}
	return out, nil
}

// ImageScaled returns the preview image enlarged by an integer factor
// with nearest-neighbor resampling, keeping the splat footprints crisp.
func (r *Render) ImageScaled(index, scale int) (*image.NRGBA, error) {
	src, err := r.Image(index)
	if err != nil {
		return nil, err
	}
	if scale <= 1 {
		return src, nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.width*scale, r.height*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
