package kitfox

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"
)

// ── Test Helpers ────────────────────────────────────────────────────────────

func makeTestImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*img.Stride + x*4
			img.Pix[off] = uint8(x * 255 / w)
			img.Pix[off+1] = uint8(y * 255 / h)
			img.Pix[off+2] = uint8((x + y) % 256)
			img.Pix[off+3] = 0xff
		}
	}
	return img
}

func makeSolidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

func encodePNGBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodeJPEGBytes(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// withOrientation inserts a little-endian EXIF APP1 segment carrying the
// orientation tag right after the JPEG SOI marker.
func withOrientation(data []byte, o Orientation) []byte {
	tiff := make([]byte, 26)
	copy(tiff, "II")
	binary.LittleEndian.PutUint16(tiff[2:], 42)
	binary.LittleEndian.PutUint32(tiff[4:], 8)
	binary.LittleEndian.PutUint16(tiff[8:], 1)
	binary.LittleEndian.PutUint16(tiff[10:], tagOrient)
	binary.LittleEndian.PutUint16(tiff[12:], typeShort)
	binary.LittleEndian.PutUint32(tiff[14:], 1)
	binary.LittleEndian.PutUint16(tiff[18:], uint16(o))

	payload := append([]byte("Exif\x00\x00"), tiff...)
	seg := []byte{0xFF, markerAPP1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	seg = append(seg, payload...)

	out := append([]byte{}, data[:2]...)
	out = append(out, seg...)
	return append(out, data[2:]...)
}

func decodeConfig(t *testing.T, data []byte) (image.Config, string) {
	t.Helper()
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	return cfg, name
}

// ── Codec Tests ─────────────────────────────────────────────────────────────

func TestImageCodecJPEGQuality(t *testing.T) {
	src := encodePNGBytes(t, makeTestImage(200, 150))
	c := NewImageCodec(nil)

	hi, err := c.Encode(context.Background(), src, EncodeParams{Quality: 0.9, MIMEType: "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	lo, err := c.Encode(context.Background(), src, EncodeParams{Quality: 0.2, MIMEType: "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	if len(lo) >= len(hi) {
		t.Fatalf("quality 0.2 should be smaller than 0.9: %d >= %d", len(lo), len(hi))
	}
	if _, name := decodeConfig(t, lo); name != "jpeg" {
		t.Fatalf("expected jpeg output, got %s", name)
	}
}

func TestImageCodecPNGLossless(t *testing.T) {
	img := makeTestImage(64, 48)
	c := NewImageCodec(nil)
	out, err := c.Encode(context.Background(), encodePNGBytes(t, img), EncodeParams{Quality: 1})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := c.Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	got := toNRGBA(dec)
	if !bytes.Equal(got.Pix, img.Pix) {
		t.Fatal("png at quality 1 should round-trip pixels exactly")
	}
}

func TestImageCodecPNGPalettizes(t *testing.T) {
	img := makeSolidImage(100, 100, color.NRGBA{10, 200, 30, 255})
	out, err := NewImageCodec(nil).Encode(context.Background(), encodePNGBytes(t, img), EncodeParams{Quality: 1})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := dec.(*image.Paletted); !ok {
		t.Fatalf("single-color png should be paletted, got %T", dec)
	}
}

func TestImageCodecMaxDimension(t *testing.T) {
	src := encodePNGBytes(t, makeTestImage(400, 200))
	out, err := NewImageCodec(nil).Encode(context.Background(), src, EncodeParams{Quality: 0.8, MaxDimension: 100})
	if err != nil {
		t.Fatal(err)
	}
	cfg, _ := decodeConfig(t, out)
	if cfg.Width != 100 || cfg.Height != 50 {
		t.Fatalf("expected 100x50, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestImageCodecOutputFormats(t *testing.T) {
	src := encodePNGBytes(t, makeTestImage(40, 30))
	c := NewImageCodec(nil)
	for _, name := range []string{"jpeg", "png", "gif", "bmp", "tiff"} {
		t.Run(name, func(t *testing.T) {
			mime := MIMEForFormat(name)
			if !c.CanEncode(mime) {
				t.Fatalf("codec should encode %s", mime)
			}
			out, err := c.Encode(context.Background(), src, EncodeParams{Quality: 0.7, MIMEType: mime})
			if err != nil {
				t.Fatal(err)
			}
			if got := Identify(out, "", "").Name; got != name {
				t.Fatalf("output sniffs as %s, want %s", got, name)
			}
			cfg, _ := decodeConfig(t, out)
			if cfg.Width != 40 || cfg.Height != 30 {
				t.Fatalf("dimensions changed: %dx%d", cfg.Width, cfg.Height)
			}
		})
	}
}

func TestImageCodecNoWebPEncoder(t *testing.T) {
	src := encodePNGBytes(t, makeTestImage(10, 10))
	_, err := NewImageCodec(nil).Encode(context.Background(), src, EncodeParams{Quality: 0.8, MIMEType: "image/webp"})
	if !errors.Is(err, ErrNoEncoder) {
		t.Fatalf("expected ErrNoEncoder, got %v", err)
	}
	var ce *CodecError
	if !errors.As(err, &ce) || ce.Params.MIMEType != "image/webp" {
		t.Fatalf("expected CodecError carrying params, got %v", err)
	}
}

func TestImageCodecGarbage(t *testing.T) {
	_, err := NewImageCodec(nil).Encode(context.Background(), []byte("not an image"), EncodeParams{Quality: 0.5})
	if !errors.Is(err, ErrCodecFailure) {
		t.Fatalf("expected ErrCodecFailure, got %v", err)
	}
}

func TestImageCodecHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := encodePNGBytes(t, makeTestImage(20, 20))
	_, err := NewImageCodec(nil).Encode(ctx, src, EncodeParams{Quality: 0.5})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// ── Resize Tests ────────────────────────────────────────────────────────────

func TestFitWithin(t *testing.T) {
	img := makeTestImage(300, 100)
	if got := fitWithin(img, 400, 400); got != img {
		t.Fatal("image that already fits should be returned unchanged")
	}
	got := fitWithin(img, 150, 150)
	if got.Bounds().Dx() != 150 || got.Bounds().Dy() != 50 {
		t.Fatalf("expected 150x50, got %v", got.Bounds())
	}
	got = fitWithin(img, 0, 20)
	if got.Bounds().Dx() != 60 || got.Bounds().Dy() != 20 {
		t.Fatalf("expected 60x20, got %v", got.Bounds())
	}
}

func TestLanczosPreservesSolidColor(t *testing.T) {
	c := color.NRGBA{120, 60, 200, 255}
	out := lanczos(makeSolidImage(64, 64, c), 17, 23)
	for i := 0; i < len(out.Pix); i += 4 {
		got := color.NRGBA{out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3]}
		if got != c {
			t.Fatalf("pixel %d: expected %v, got %v", i/4, c, got)
		}
	}
}

// ── EXIF Tests ──────────────────────────────────────────────────────────────

func TestReadOrientation(t *testing.T) {
	base := encodeJPEGBytes(t, makeTestImage(40, 20), 90)
	if got := ReadOrientation(base); got != OrientNormal {
		t.Fatalf("plain jpeg: expected normal, got %d", got)
	}
	for o := OrientNormal; o <= OrientRotate270CW; o++ {
		if got := ReadOrientation(withOrientation(base, o)); got != o {
			t.Fatalf("expected %d, got %d", o, got)
		}
	}
	if got := ReadOrientation([]byte("png-ish")); got != OrientNormal {
		t.Fatalf("non-jpeg: expected normal, got %d", got)
	}
	truncated := withOrientation(base, OrientRotate90CW)[:12]
	if got := ReadOrientation(truncated); got != OrientNormal {
		t.Fatalf("truncated: expected normal, got %d", got)
	}
}

func TestApplyOrientation(t *testing.T) {
	// 2x1 image: red then blue.
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	red := color.NRGBA{255, 0, 0, 255}
	blue := color.NRGBA{0, 0, 255, 255}
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, blue)

	tests := []struct {
		o          Orientation
		w, h       int
		first, end color.NRGBA
	}{
		{OrientNormal, 2, 1, red, blue},
		{OrientFlipH, 2, 1, blue, red},
		{OrientRotate180, 2, 1, blue, red},
		{OrientFlipV, 2, 1, red, blue},
		{OrientRotate90CW, 1, 2, red, blue},
		{OrientRotate270CW, 1, 2, blue, red},
		{OrientTranspose, 1, 2, blue, red},
		{OrientTransverse, 1, 2, red, blue},
	}
	for _, tt := range tests {
		out := ApplyOrientation(img, tt.o)
		b := out.Bounds()
		if b.Dx() != tt.w || b.Dy() != tt.h {
			t.Fatalf("orientation %d: expected %dx%d, got %dx%d", tt.o, tt.w, tt.h, b.Dx(), b.Dy())
		}
		if got := out.NRGBAAt(0, 0); got != tt.first {
			t.Fatalf("orientation %d: first pixel %v, want %v", tt.o, got, tt.first)
		}
		if got := out.NRGBAAt(b.Dx()-1, b.Dy()-1); got != tt.end {
			t.Fatalf("orientation %d: last pixel %v, want %v", tt.o, got, tt.end)
		}
	}
}

func TestDecodeAppliesOrientation(t *testing.T) {
	src := withOrientation(encodeJPEGBytes(t, makeTestImage(40, 20), 90), OrientRotate90CW)
	c := NewImageCodec(nil)
	img, err := c.Decode(src)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 40 {
		t.Fatalf("expected 20x40 after rotation, got %dx%d", b.Dx(), b.Dy())
	}

	c.AutoOrient = false
	img, err = c.Decode(src)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("expected 40x20 without auto-orient, got %dx%d", b.Dx(), b.Dy())
	}
}

// ── Quantization Tests ──────────────────────────────────────────────────────

func TestMedianCutSeparatesQuadrants(t *testing.T) {
	colors := []color.NRGBA{
		{255, 0, 0, 255},
		{0, 255, 0, 255},
		{0, 0, 255, 255},
		{255, 255, 255, 255},
	}
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, colors[(y/8)*2+x/8])
		}
	}
	palette := medianCut(img, 4)
	if len(palette) != 4 {
		t.Fatalf("expected 4 colors, got %d", len(palette))
	}
	for _, want := range colors {
		found := false
		for _, c := range palette {
			if c == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("palette %v is missing %v", palette, want)
		}
	}

	out := applyPalette(img, palette)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if got := palette[out.ColorIndexAt(x, y)]; got != colors[(y/8)*2+x/8] {
				t.Fatalf("pixel (%d,%d) mapped to %v", x, y, got)
			}
		}
	}
}

func TestTryPalettizeLimit(t *testing.T) {
	if tryPalettize(makeSolidImage(8, 8, color.NRGBA{1, 2, 3, 255}), 256) == nil {
		t.Fatal("single-color image should palettize")
	}
	if tryPalettize(makeTestImage(64, 64), 16) != nil {
		t.Fatal("gradient should exceed 16 colors")
	}
}

func TestPNGColors(t *testing.T) {
	if pngColors(0.95) != 0 {
		t.Fatal("high quality png should stay lossless")
	}
	prev := 257
	for _, q := range []float64{0.8, 0.6, 0.4, 0.2, 0.1} {
		n := pngColors(q)
		if n >= prev {
			t.Fatalf("palette size should shrink with quality: %.1f -> %d", q, n)
		}
		prev = n
	}
}

// ── Analysis Tests ──────────────────────────────────────────────────────────

func TestAnalyzeSolid(t *testing.T) {
	stats, err := NewImageCodec(nil).Analyze(encodePNGBytes(t, makeSolidImage(50, 50, color.NRGBA{128, 128, 128, 255})))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Width != 50 || stats.Height != 50 {
		t.Fatalf("unexpected dimensions %dx%d", stats.Width, stats.Height)
	}
	if !stats.IsGrayscale || stats.HasAlpha {
		t.Fatalf("unexpected flags %+v", stats)
	}
	if stats.UniqueColors != 1 || stats.Entropy != 0 || stats.EdgeDensity != 0 {
		t.Fatalf("solid image should have no detail: %+v", stats)
	}
	if stats.Photographic() {
		t.Fatal("solid image is not photographic")
	}
}

func TestAnalyzeAlpha(t *testing.T) {
	img := makeTestImage(32, 32)
	img.Pix[3] = 0
	stats, err := NewImageCodec(nil).Analyze(encodePNGBytes(t, img))
	if err != nil {
		t.Fatal(err)
	}
	if !stats.HasAlpha {
		t.Fatal("expected alpha")
	}
	if got := RecommendOutputFormats(stats, UseWeb); got[len(got)-1] != "png" {
		t.Fatalf("transparent web output should fall back to png, got %v", got)
	}
}

func TestRecommendOutputFormats(t *testing.T) {
	photo := ImageStats{UniqueColors: 1024, EdgeDensity: 0.1}
	if !photo.Photographic() {
		t.Fatal("expected photographic")
	}
	if got := RecommendOutputFormats(photo, UseWeb); got[2] != "jpeg" {
		t.Fatalf("photo on the web: %v", got)
	}
	diagram := ImageStats{UniqueColors: 40, EdgeDensity: 0.5}
	if got := RecommendOutputFormats(diagram, UseWeb); got[1] != "png" {
		t.Fatalf("diagram on the web: %v", got)
	}
	if got := RecommendOutputFormats(photo, UsePrint); got[0] != "tiff" {
		t.Fatalf("print: %v", got)
	}
	if got := RecommendOutputFormats(photo, UseCase("poster")); len(got) != 3 {
		t.Fatalf("unknown use case: %v", got)
	}
	if FallbackFormat(true) != "png" || FallbackFormat(false) != "jpeg" {
		t.Fatal("unexpected fallback formats")
	}
}

// ── SSIM Tests ──────────────────────────────────────────────────────────────

func TestSSIMIdentical(t *testing.T) {
	img := makeTestImage(100, 100)
	if s := SSIM(img, img); s < 0.999 {
		t.Fatalf("SSIM of identical images should be ~1.0, got %f", s)
	}
}

func TestSSIMDifferent(t *testing.T) {
	black := makeSolidImage(100, 100, color.NRGBA{0, 0, 0, 255})
	white := makeSolidImage(100, 100, color.NRGBA{255, 255, 255, 255})
	if s := SSIM(black, white); s > 0.1 {
		t.Fatalf("SSIM of black vs white should be very low, got %f", s)
	}
}

func TestSSIMTinyImages(t *testing.T) {
	img := makeTestImage(4, 4)
	if s := SSIM(img, img); s < 0.999 {
		t.Fatalf("SSIM below window size should still work, got %f", s)
	}
}

func TestSimilarity(t *testing.T) {
	src := encodePNGBytes(t, makeTestImage(120, 90))
	c := NewImageCodec(nil)

	good, err := c.Encode(context.Background(), src, EncodeParams{Quality: 0.95, MIMEType: "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.Similarity(src, good)
	if err != nil {
		t.Fatal(err)
	}
	if s < 0.9 || s > 1 {
		t.Fatalf("high quality jpeg should be similar, got %f", s)
	}

	small, err := c.Encode(context.Background(), src, EncodeParams{Quality: 0.95, MaxDimension: 40, MIMEType: "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Similarity(src, small); err != nil {
		t.Fatalf("resized output should compare: %v", err)
	}
	if _, err := c.Similarity(src, []byte("junk")); err == nil {
		t.Fatal("expected error for undecodable output")
	}
}

// ── Processor Tests ─────────────────────────────────────────────────────────

func pngFile(t *testing.T) File {
	return File{
		Name:         "chart.png",
		Data:         encodePNGBytes(t, makeTestImage(60, 40)),
		LastModified: time.UnixMilli(1700000000000),
	}
}

func TestProcessorConvertFallsBack(t *testing.T) {
	p := newProcessor(NewImageCodec(nil), discardLogger())
	out, err := p.run(context.Background(), pngFile(t), Request{
		Operation: OpConvert,
		Convert:   &ConvertOptions{OutputFormat: "webp"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != "png" {
		t.Fatalf("png input without webp encoder should fall back to png, got %s", out.Format)
	}
	if len(out.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", out.Warnings)
	}
	if got := Identify(out.Data, "", "").Name; got != "png" {
		t.Fatalf("output sniffs as %s", got)
	}
}

func TestProcessorConvertStrict(t *testing.T) {
	p := newProcessor(NewImageCodec(nil), discardLogger())
	_, err := p.run(context.Background(), pngFile(t), Request{
		Operation: OpConvert,
		Convert:   &ConvertOptions{OutputFormat: "webp", Strict: true},
	}, nil)
	if !errors.Is(err, ErrNoEncoder) {
		t.Fatalf("expected ErrNoEncoder, got %v", err)
	}
}

func TestProcessorConvertToJPEG(t *testing.T) {
	p := newProcessor(NewImageCodec(nil), discardLogger())
	var progress []int
	out, err := p.run(context.Background(), pngFile(t), Request{
		Operation: OpConvert,
		Convert:   &ConvertOptions{OutputFormat: "jpg", MaxWidth: 30},
	}, func(v int) { progress = append(progress, v) })
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != "jpeg" || out.Quality != defaultConvertQuality || out.Iterations != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
	cfg, _ := decodeConfig(t, out.Data)
	if cfg.Width != 30 || cfg.Height != 20 {
		t.Fatalf("expected 30x20, got %dx%d", cfg.Width, cfg.Height)
	}
	if len(progress) != 2 || progress[0] != 0 || progress[1] != 100 {
		t.Fatalf("unexpected progress %v", progress)
	}
}

func TestProcessorCompressToTarget(t *testing.T) {
	f := File{Name: "photo.jpg", Data: encodeJPEGBytes(t, makeTestImage(640, 480), 95)}
	target := int64(len(f.Data)) / 2
	p := newProcessor(NewImageCodec(nil), discardLogger())
	out, err := p.run(context.Background(), f, Request{
		Operation: OpCompress,
		Compress:  &CompressOptions{TargetBytes: target},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(out.Data)) >= target {
		t.Fatalf("output %d not under target %d", len(out.Data), target)
	}
	if out.Format != "jpeg" || out.Iterations < 1 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestProcessorRejectsUnsupported(t *testing.T) {
	p := newProcessor(NewImageCodec(nil), discardLogger())
	_, err := p.run(context.Background(), File{Name: "notes.txt", Data: []byte("hello world")}, Request{
		Operation: OpCompress,
		Compress:  &CompressOptions{Quality: 0.5},
	}, nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}

	svg := File{Name: "logo.svg", Data: []byte("<svg xmlns=\"http://www.w3.org/2000/svg\"></svg>")}
	_, err = p.run(context.Background(), svg, Request{
		Operation: OpCompress,
		Compress:  &CompressOptions{Quality: 0.5},
	}, nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("svg: expected ErrUnsupportedFormat, got %v", err)
	}
}
