package kitfox

import (
	"image"
	"math"
)

const (
	ssimC1     = (0.01 * 255) * (0.01 * 255)
	ssimC2     = (0.03 * 255) * (0.03 * 255)
	ssimWindow = 8
)

// SSIM returns the structural similarity of two images on luminance, from
// 0 (unrelated) to 1 (identical). b is resampled to the size of a when they
// differ.
func SSIM(a, b *image.NRGBA) float64 {
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	if w == 0 || h == 0 {
		return 1
	}
	if b.Bounds().Dx() != w || b.Bounds().Dy() != h {
		b = lanczos(b, w, h)
	}
	la, lb := lumaPlane(a), lumaPlane(b)
	if w < ssimWindow || h < ssimWindow {
		return ssimBlock(la, lb, w, 0, 0, w, h)
	}

	// Windows overlap by half.
	const step = ssimWindow / 2
	cols := (w-ssimWindow)/step + 1
	rows := (h-ssimWindow)/step + 1
	sums := make([]float64, rows)
	parallelDo(rows, func(r int) {
		for c := range cols {
			sums[r] += ssimBlock(la, lb, w, c*step, r*step, ssimWindow, ssimWindow)
		}
	})
	var total float64
	for _, s := range sums {
		total += s
	}
	return total / float64(rows*cols)
}

func lumaPlane(img *image.NRGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]float64, w*h)
	for y := range h {
		row := img.Pix[y*img.Stride:]
		for x := range w {
			out[y*w+x] = luma(row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return out
}

func ssimBlock(a, b []float64, stride, x0, y0, w, h int) float64 {
	n := float64(w * h)
	var muA, muB float64
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			muA += a[y*stride+x]
			muB += b[y*stride+x]
		}
	}
	muA /= n
	muB /= n

	var varA, varB, cov float64
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			da, db := a[y*stride+x]-muA, b[y*stride+x]-muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= n
	varB /= n
	cov /= n

	num := (2*muA*muB + ssimC1) * (2*cov + ssimC2)
	den := (muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2)
	return num / den
}

// Similarity decodes an original and its re-encoded output and returns
// their SSIM, comparing at the output's dimensions.
func (c *ImageCodec) Similarity(original, encoded []byte) (float64, error) {
	out, _, err := c.decode(encoded)
	if err != nil {
		return 0, err
	}
	ref, _, err := c.decode(original)
	if err != nil {
		return 0, err
	}
	s := SSIM(out, ref)
	return math.Max(0, math.Min(1, s)), nil
}
