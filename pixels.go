package kitfox

import (
	"image"
	"image/draw"
	"math"
)

// toNRGBA returns a fresh *image.NRGBA with its origin at (0, 0). The
// result is always a copy, so callers may mutate it.
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			so := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()*4], src.Pix[so:so+b.Dx()*4])
		}
		return dst
	}
	// draw.Draw un-premultiplies alpha when the destination is NRGBA.
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func isOpaque(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return false
		}
	}
	return true
}

func isGrayscale(img *image.NRGBA) bool {
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != img.Pix[i+1] || img.Pix[i+1] != img.Pix[i+2] {
			return false
		}
	}
	return true
}

// toGray keeps the red channel; callers check isGrayscale first.
func toGray(img *image.NRGBA) *image.Gray {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		out := gray.Pix[y*gray.Stride:]
		for x := 0; x < w; x++ {
			out[x] = row[x*4]
		}
	}
	return gray
}

func clampF(x float64) uint8 {
	v := math.Round(x)
	switch {
	case v > 255:
		return 255
	case v < 0:
		return 0
	}
	return uint8(v)
}

// pixelMap maps a destination pixel to its source pixel for a w x h source.
type pixelMap func(x, y, w, h int) (sx, sy int)

// remap builds a new image whose pixel (x, y) is src at m(x, y). swap
// transposes the output dimensions.
func remap(src *image.NRGBA, swap bool, m pixelMap) *image.NRGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dw, dh := w, h
	if swap {
		dw, dh = h, w
	}
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			sx, sy := m(x, y, w, h)
			so := sy*src.Stride + sx*4
			do := y*dst.Stride + x*4
			copy(dst.Pix[do:do+4], src.Pix[so:so+4])
		}
	}
	return dst
}

func rotate90(img *image.NRGBA) *image.NRGBA {
	return remap(img, true, func(x, y, _, h int) (int, int) { return y, h - 1 - x })
}

func rotate180(img *image.NRGBA) *image.NRGBA {
	return remap(img, false, func(x, y, w, h int) (int, int) { return w - 1 - x, h - 1 - y })
}

func rotate270(img *image.NRGBA) *image.NRGBA {
	return remap(img, true, func(x, y, w, _ int) (int, int) { return w - 1 - y, x })
}

func flipH(img *image.NRGBA) *image.NRGBA {
	return remap(img, false, func(x, y, w, _ int) (int, int) { return w - 1 - x, y })
}

func flipV(img *image.NRGBA) *image.NRGBA {
	return remap(img, false, func(x, y, _, h int) (int, int) { return x, h - 1 - y })
}
