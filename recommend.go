package kitfox

import (
	"math"
)

// UseCase names the destination an output format is chosen for.
type UseCase string

const (
	UseWeb     UseCase = "web"
	UsePrint   UseCase = "print"
	UseArchive UseCase = "archive"
	UseIcon    UseCase = "icon"
)

// ImageStats summarizes decoded pixel content.
type ImageStats struct {
	Width, Height int
	HasAlpha      bool
	IsGrayscale   bool

	// UniqueColors is sampled and saturates at 1024.
	UniqueColors int

	// Entropy of the luminance histogram in bits (0-8).
	Entropy float64

	// EdgeDensity is the fraction of sampled pixels on a Sobel edge.
	EdgeDensity float64
}

// Photographic reports whether the content looks like a photograph rather
// than a diagram, screenshot or flat artwork.
func (s ImageStats) Photographic() bool {
	if s.UniqueColors <= 256 {
		return false
	}
	return !(s.EdgeDensity > 0.3 && s.UniqueColors < 1000)
}

// Analyze decodes data and measures its pixel statistics.
func (c *ImageCodec) Analyze(data []byte) (ImageStats, error) {
	img, _, err := c.decode(data)
	if err != nil {
		return ImageStats{}, err
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	stats := ImageStats{Width: w, Height: h, IsGrayscale: true}
	if w == 0 || h == 0 {
		return stats, nil
	}

	var hist [256]float64
	colors := make(map[uint32]struct{})
	step := max(1, w*h/50000)
	for i := 0; i < w*h; i++ {
		o := (i/w)*img.Stride + (i%w)*4
		r, g, b, a := img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3]
		hist[int(luma(r, g, b)+0.5)]++
		if a < 255 {
			stats.HasAlpha = true
		}
		if r != g || g != b {
			stats.IsGrayscale = false
		}
		if i%step == 0 && len(colors) < 1024 {
			colors[uint32(r)<<24|uint32(g)<<16|uint32(b)<<8|uint32(a)] = struct{}{}
		}
	}
	stats.UniqueColors = len(colors)

	n := float64(w * h)
	for _, count := range hist {
		if count > 0 {
			p := count / n
			stats.Entropy -= p * math.Log2(p)
		}
	}
	stats.EdgeDensity = edgeDensity(img.Pix, img.Stride, w, h)
	return stats, nil
}

func luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// edgeDensity applies a sampled Sobel operator with a magnitude threshold
// of 30.
func edgeDensity(pix []byte, stride, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	at := func(x, y int) float64 {
		o := y*stride + x*4
		return luma(pix[o], pix[o+1], pix[o+2])
	}
	sx, sy := max(1, w/200), max(1, h/200)
	var edges, total int
	for y := 1; y < h-1; y += sy {
		for x := 1; x < w-1; x += sx {
			gx := at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1)
			gy := at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1)
			if math.Hypot(gx, gy) > 30 {
				edges++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(edges) / float64(total)
}

// RecommendOutputFormats returns output format names for a use case,
// best first. Only web recommendations depend on the content.
func RecommendOutputFormats(stats ImageStats, use UseCase) []string {
	switch use {
	case UseWeb:
		switch {
		case stats.HasAlpha:
			return []string{"webp", "avif", "png"}
		case !stats.Photographic():
			return []string{"webp", "png", "jpeg"}
		default:
			return []string{"webp", "avif", "jpeg"}
		}
	case UsePrint:
		return []string{"tiff", "png", "jpeg"}
	case UseArchive:
		return []string{"png", "tiff", "bmp"}
	case UseIcon:
		return []string{"png", "webp", "bmp"}
	default:
		return []string{"webp", "jpeg", "png"}
	}
}

// FallbackFormat picks the output a Codec without the preferred encoder
// should use instead: png for content with transparency, jpeg otherwise.
func FallbackFormat(hasAlpha bool) string {
	if hasAlpha {
		return "png"
	}
	return "jpeg"
}
