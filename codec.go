package kitfox

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// EncodeParams are the parameters of one codec invocation.
type EncodeParams struct {
	// Quality in (0, 1]. Lossless encoders map it to a palette size.
	Quality float64
	// MaxDimension bounds the longest side in pixels. 0 means unconstrained.
	MaxDimension int
	// MIMEType selects the output encoding. Empty keeps the source format.
	MIMEType string
}

// Codec re-encodes an image. It is treated as opaque: it may be slow and it
// may fail. Implementations must be safe for concurrent use.
type Codec interface {
	Encode(ctx context.Context, src []byte, params EncodeParams) ([]byte, error)
}

// CodecFunc adapts a function to the Codec interface.
type CodecFunc func(ctx context.Context, src []byte, params EncodeParams) ([]byte, error)

// Encode calls f.
func (f CodecFunc) Encode(ctx context.Context, src []byte, params EncodeParams) ([]byte, error) {
	return f(ctx, src, params)
}

// ImageCodec is a pure-Go Codec built on the standard image packages and
// golang.org/x/image. It decodes jpeg, png, gif, bmp, tiff and webp, and
// encodes jpeg, png, gif, bmp and tiff.
type ImageCodec struct {
	// AutoOrient applies the EXIF orientation of JPEG input before resizing.
	AutoOrient bool
	Logger     *slog.Logger
}

// NewImageCodec returns an ImageCodec with orientation correction enabled.
func NewImageCodec(logger *slog.Logger) *ImageCodec {
	if logger == nil {
		logger = discardLogger()
	}
	return &ImageCodec{AutoOrient: true, Logger: logger}
}

var (
	decodable = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/bmp":  true,
		"image/tiff": true,
		"image/webp": true,
	}
	encodable = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/bmp":  true,
		"image/tiff": true,
	}
)

// CanDecode reports whether the codec reads the given MIME type.
func (c *ImageCodec) CanDecode(mime string) bool { return decodable[mime] }

// CanEncode reports whether the codec writes the given MIME type.
func (c *ImageCodec) CanEncode(mime string) bool { return encodable[mime] }

// Encode decodes src, fits it within params.MaxDimension and encodes it.
func (c *ImageCodec) Encode(ctx context.Context, src []byte, params EncodeParams) ([]byte, error) {
	img, srcMIME, err := c.decode(src)
	if err != nil {
		return nil, &CodecError{Params: params, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if params.MaxDimension > 0 {
		img = fitWithin(img, params.MaxDimension, params.MaxDimension)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mime := params.MIMEType
	if mime == "" {
		mime = srcMIME
	}
	var buf bytes.Buffer
	if err := encodeImage(&buf, img, mime, params.Quality); err != nil {
		return nil, &CodecError{Params: params, Err: err}
	}
	return buf.Bytes(), nil
}

// decode returns the image as NRGBA with orientation applied, plus the
// MIME type of the source encoding.
func (c *ImageCodec) decode(src []byte) (*image.NRGBA, string, error) {
	img, name, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, "", fmt.Errorf("decode: %w", err)
	}
	nrgba := toNRGBA(img)
	if c.AutoOrient && name == "jpeg" {
		if orient := ReadOrientation(src); orient > OrientNormal {
			nrgba = ApplyOrientation(nrgba, orient)
		}
	}
	return nrgba, MIMEForFormat(name), nil
}

// Decode returns the decoded, oriented image.
func (c *ImageCodec) Decode(src []byte) (image.Image, error) {
	img, _, err := c.decode(src)
	return img, err
}

func encodeImage(buf *bytes.Buffer, img *image.NRGBA, mime string, quality float64) error {
	switch mime {
	case "image/jpeg":
		return encodeJPEG(buf, img, jpegQuality(quality))
	case "image/png":
		return encodePNG(buf, img, quality)
	case "image/gif":
		palette := medianCut(img, 256)
		return gif.Encode(buf, applyPalette(img, palette), &gif.Options{NumColors: len(palette)})
	case "image/bmp":
		return bmp.Encode(buf, img)
	case "image/tiff":
		return tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("%w: %s", ErrNoEncoder, mime)
	}
}

func jpegQuality(q float64) int {
	return min(max(int(q*100+0.5), 1), 100)
}

// encodeJPEG uses the RGBA fast path for opaque images.
func encodeJPEG(buf *bytes.Buffer, img *image.NRGBA, quality int) error {
	if isOpaque(img) {
		rgba := &image.RGBA{Pix: img.Pix, Stride: img.Stride, Rect: img.Rect}
		return jpeg.Encode(buf, rgba, &jpeg.Options{Quality: quality})
	}
	return jpeg.Encode(buf, img, &jpeg.Options{Quality: quality})
}

// pngColors maps quality to a palette size for lossy PNG output. At 0.9
// and above PNG stays lossless.
func pngColors(q float64) int {
	switch {
	case q >= 0.9:
		return 0
	case q >= 0.7:
		return 256
	case q >= 0.5:
		return 128
	case q >= 0.3:
		return 64
	case q >= 0.15:
		return 32
	default:
		return 16
	}
}

// encodePNG writes the smallest lossless representation it can find, or a
// median-cut quantized palette image when quality calls for it.
func encodePNG(buf *bytes.Buffer, img *image.NRGBA, quality float64) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if p := tryPalettize(img, 256); p != nil {
		return enc.Encode(buf, p)
	}
	if colors := pngColors(quality); colors > 0 && isOpaque(img) {
		return enc.Encode(buf, applyPalette(img, medianCut(img, colors)))
	}
	if isGrayscale(img) && isOpaque(img) {
		return enc.Encode(buf, toGray(img))
	}
	return enc.Encode(buf, img)
}
