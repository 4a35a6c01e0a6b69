package kitfox

import (
	"image"
	"image/color"
	"slices"
)

// maxQuantizeSamples bounds the pixels fed to medianCut.
const maxQuantizeSamples = 100000

type rgb [3]uint8

// colorBox is a set of sampled pixels and their per-channel bounds.
type colorBox struct {
	pixels   []rgb
	min, max rgb
}

func newColorBox(pixels []rgb) *colorBox {
	b := &colorBox{pixels: pixels, min: rgb{255, 255, 255}}
	for _, p := range pixels {
		for c := 0; c < 3; c++ {
			b.min[c] = min(b.min[c], p[c])
			b.max[c] = max(b.max[c], p[c])
		}
	}
	return b
}

func (b *colorBox) span(c int) int { return int(b.max[c]) - int(b.min[c]) }

func (b *colorBox) widestChannel() int {
	widest := 0
	for c := 1; c < 3; c++ {
		if b.span(c) > b.span(widest) {
			widest = c
		}
	}
	return widest
}

// score orders boxes for splitting: large, populous boxes first.
func (b *colorBox) score() int {
	return (b.span(0) + 1) * (b.span(1) + 1) * (b.span(2) + 1) * len(b.pixels)
}

func (b *colorBox) mean() color.NRGBA {
	if len(b.pixels) == 0 {
		return color.NRGBA{A: 255}
	}
	var sum [3]int64
	for _, p := range b.pixels {
		sum[0] += int64(p[0])
		sum[1] += int64(p[1])
		sum[2] += int64(p[2])
	}
	n := int64(len(b.pixels))
	return color.NRGBA{R: uint8(sum[0] / n), G: uint8(sum[1] / n), B: uint8(sum[2] / n), A: 255}
}

// medianCut builds a palette of at most maxColors by repeatedly splitting
// the highest scoring box at the median of its widest channel.
func medianCut(img *image.NRGBA, maxColors int) color.Palette {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	step := max(1, w*h/maxQuantizeSamples)

	pixels := make([]rgb, 0, w*h/step+1)
	for i := 0; i < w*h; i += step {
		row := img.Pix[(i/w)*img.Stride:]
		o := (i % w) * 4
		pixels = append(pixels, rgb{row[o], row[o+1], row[o+2]})
	}
	if len(pixels) == 0 {
		return color.Palette{color.NRGBA{A: 255}}
	}

	boxes := []*colorBox{newColorBox(pixels)}
	for len(boxes) < maxColors {
		pick := -1
		for i, b := range boxes {
			if len(b.pixels) >= 2 && (pick < 0 || b.score() > boxes[pick].score()) {
				pick = i
			}
		}
		if pick < 0 {
			break
		}
		b := boxes[pick]
		c := b.widestChannel()
		slices.SortFunc(b.pixels, func(p, q rgb) int { return int(p[c]) - int(q[c]) })
		half := len(b.pixels) / 2
		boxes[pick] = newColorBox(b.pixels[:half])
		boxes = append(boxes, newColorBox(b.pixels[half:]))
	}

	palette := make(color.Palette, len(boxes))
	for i, b := range boxes {
		palette[i] = b.mean()
	}
	return palette
}

// applyPalette maps every pixel to its nearest palette entry.
func applyPalette(src *image.NRGBA, palette color.Palette) *image.Paletted {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewPaletted(image.Rect(0, 0, w, h), palette)

	entries := make([]rgb, len(palette))
	for i, c := range palette {
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		entries[i] = rgb{n.R, n.G, n.B}
	}

	seen := make(map[rgb]uint8, 256)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			p := rgb{row[x*4], row[x*4+1], row[x*4+2]}
			idx, ok := seen[p]
			if !ok {
				idx = nearest(entries, p)
				seen[p] = idx
			}
			out[x] = idx
		}
	}
	return dst
}

func nearest(entries []rgb, p rgb) uint8 {
	best, bestDist := 0, int(^uint(0)>>1)
	for i, e := range entries {
		dr := int(p[0]) - int(e[0])
		dg := int(p[1]) - int(e[1])
		db := int(p[2]) - int(e[2])
		if d := dr*dr + dg*dg + db*db; d < bestDist {
			best, bestDist = i, d
		}
	}
	return uint8(best)
}

// tryPalettize returns an exact paletted copy of img, or nil when img has
// more than maxColors distinct colors.
func tryPalettize(img *image.NRGBA, maxColors int) *image.Paletted {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	index := make(map[color.NRGBA]uint8, maxColors)
	palette := make(color.Palette, 0, maxColors)

	dst := image.NewPaletted(image.Rect(0, 0, w, h), nil)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			c := color.NRGBA{row[x*4], row[x*4+1], row[x*4+2], row[x*4+3]}
			idx, ok := index[c]
			if !ok {
				if len(palette) == maxColors {
					return nil
				}
				idx = uint8(len(palette))
				index[c] = idx
				palette = append(palette, c)
			}
			out[x] = idx
		}
	}
	dst.Palette = palette
	return dst
}
