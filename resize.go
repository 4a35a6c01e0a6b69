package kitfox

import (
	"image"
	"math"
	"runtime"
	"sync"
)

// fitWithin scales img down so it fits inside maxW x maxH, preserving the
// aspect ratio. Images that already fit are returned unchanged.
func fitWithin(img *image.NRGBA, maxW, maxH int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if maxW <= 0 {
		maxW = w
	}
	if maxH <= 0 {
		maxH = h
	}
	if w <= maxW && h <= maxH {
		return img
	}
	ratio := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	dw := max(1, int(math.Round(float64(w)*ratio)))
	dh := max(1, int(math.Round(float64(h)*ratio)))
	return lanczos(img, dw, dh)
}

const lanczosA = 3.0

func lanczosKernel(x float64) float64 {
	x = math.Abs(x)
	switch {
	case x == 0:
		return 1
	case x >= lanczosA:
		return 0
	}
	xpi := x * math.Pi
	return lanczosA * math.Sin(xpi) * math.Sin(xpi/lanczosA) / (xpi * xpi)
}

type tap struct {
	index  int
	weight float64
}

// lanczosTaps precomputes normalized Lanczos-3 weights for resampling a
// line of srcLen pixels to dstLen pixels.
func lanczosTaps(srcLen, dstLen int) [][]tap {
	ratio := float64(srcLen) / float64(dstLen)
	scale := math.Max(ratio, 1)
	support := lanczosA * scale

	taps := make([][]tap, dstLen)
	for d := range taps {
		center := (float64(d)+0.5)*ratio - 0.5
		lo := max(0, int(math.Ceil(center-support)))
		hi := min(srcLen-1, int(math.Floor(center+support)))

		var sum float64
		row := make([]tap, 0, hi-lo+1)
		for s := lo; s <= hi; s++ {
			if w := lanczosKernel((float64(s) - center) / scale); w != 0 {
				sum += w
				row = append(row, tap{s, w})
			}
		}
		if sum != 0 {
			for i := range row {
				row[i].weight /= sum
			}
		}
		taps[d] = row
	}
	return taps
}

// lanczos resizes in two separable passes. Channels are weighted by alpha
// so transparent pixels do not bleed color into their neighbours.
func lanczos(img *image.NRGBA, dw, dh int) *image.NRGBA {
	sw, sh := img.Bounds().Dx(), img.Bounds().Dy()
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}

	tmp := image.NewNRGBA(image.Rect(0, 0, dw, sh))
	xt := lanczosTaps(sw, dw)
	parallelDo(sh, func(y int) {
		for x := 0; x < dw; x++ {
			resample(img, tmp, xt[x], y*img.Stride, 4, y*tmp.Stride+x*4)
		}
	})

	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	yt := lanczosTaps(sh, dh)
	parallelDo(dw, func(x int) {
		for y := 0; y < dh; y++ {
			resample(tmp, dst, yt[y], x*4, tmp.Stride, y*dst.Stride+x*4)
		}
	})
	return dst
}

// resample writes one output pixel at dst.Pix[out] from the source pixels
// at base + index*step.
func resample(src, dst *image.NRGBA, taps []tap, base, step, out int) {
	var r, g, b, a float64
	for _, t := range taps {
		o := base + t.index*step
		aw := float64(src.Pix[o+3]) * t.weight
		r += float64(src.Pix[o]) * aw
		g += float64(src.Pix[o+1]) * aw
		b += float64(src.Pix[o+2]) * aw
		a += aw
	}
	if a == 0 {
		return
	}
	dst.Pix[out] = clampF(r / a)
	dst.Pix[out+1] = clampF(g / a)
	dst.Pix[out+2] = clampF(b / a)
	dst.Pix[out+3] = clampF(a)
}

// parallelDo runs fn(i) for i in [0, n) split across GOMAXPROCS goroutines.
func parallelDo(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	procs := min(runtime.GOMAXPROCS(0), n)
	if procs <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	chunk := (n + procs - 1) / procs
	var wg sync.WaitGroup
	for from := 0; from < n; from += chunk {
		to := min(from+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := from; i < to; i++ {
				fn(i)
			}
		}()
	}
	wg.Wait()
}
