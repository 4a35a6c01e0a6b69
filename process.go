package kitfox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Defaults applied when a request leaves a field at zero.
const (
	defaultCompressQuality = 0.8
	defaultConvertQuality  = 0.9
)

// Output is the product of one successful operation.
type Output struct {
	Data       []byte
	Format     string // canonical name of the output encoding
	Quality    float64
	Iterations int
	Warnings   []string
}

// processor runs a single compress or convert request against a Codec.
type processor struct {
	codec    Codec
	targeter *SizeTargeter
	logger   *slog.Logger
}

func newProcessor(codec Codec, logger *slog.Logger) *processor {
	return &processor{codec: codec, targeter: NewSizeTargeter(codec, logger), logger: logger}
}

// canEncode asks the codec, when it can tell, whether mime is writable.
func canEncode(c Codec, mime string) bool {
	if ce, ok := c.(interface{ CanEncode(string) bool }); ok {
		return ce.CanEncode(mime)
	}
	return true
}

func canDecode(c Codec, mime string) bool {
	if cd, ok := c.(interface{ CanDecode(string) bool }); ok {
		return cd.CanDecode(mime)
	}
	return true
}

func (p *processor) run(ctx context.Context, f File, req Request, onProgress ProgressFunc) (*Output, error) {
	desc := Identify(f.Data, f.Name, f.MIMEType)
	if !desc.Supported {
		return nil, &UnsupportedFormatError{Descriptor: desc, Reason: "unrecognized input"}
	}
	if !canDecode(p.codec, desc.MIMEType) {
		return nil, &UnsupportedFormatError{Descriptor: desc, Reason: "no decoder"}
	}
	switch req.Operation {
	case OpCompress:
		return p.compress(ctx, f, desc, req.Compress, onProgress)
	case OpConvert:
		return p.convert(ctx, f, desc, req.Convert, onProgress)
	}
	return nil, fmt.Errorf("kitfox: unknown operation %q", req.Operation)
}

// outputMIME resolves a requested format name, defaulting to the input.
func outputMIME(desc FormatDescriptor, name string) (string, string, error) {
	if name == "" {
		return desc.MIMEType, desc.Name, nil
	}
	mime := MIMEForFormat(name)
	if mime == "" {
		return "", "", &UnsupportedFormatError{Descriptor: FormatDescriptor{Name: name}, Reason: "unknown output format"}
	}
	return mime, FormatFromMIME(mime), nil
}

func (p *processor) compress(ctx context.Context, f File, desc FormatDescriptor, opts *CompressOptions, onProgress ProgressFunc) (*Output, error) {
	if !SupportsCompression(desc.Name) {
		return nil, &UnsupportedFormatError{Descriptor: desc, Reason: "not compressible"}
	}
	mime, name, err := outputMIME(desc, opts.OutputFormat)
	if err != nil {
		return nil, err
	}

	if opts.TargetBytes > 0 {
		target := NewCompressionTarget(opts.TargetBytes)
		res, err := p.targeter.CompressToTarget(ctx, f.Data, target, TargetOptions{
			MaxWidth:     opts.MaxWidth,
			MaxHeight:    opts.MaxHeight,
			OutputFormat: mime,
			OnProgress:   onProgress,
		})
		if err != nil {
			return nil, err
		}
		return &Output{Data: res.Data, Format: name, Quality: res.Quality, Iterations: res.Iterations}, nil
	}

	q := opts.Quality
	if q == 0 {
		q = defaultCompressQuality
	}
	return p.encodeOnce(ctx, f.Data, EncodeParams{
		Quality:      q,
		MaxDimension: max(opts.MaxWidth, opts.MaxHeight),
		MIMEType:     mime,
	}, name, onProgress)
}

func (p *processor) convert(ctx context.Context, f File, desc FormatDescriptor, opts *ConvertOptions, onProgress ProgressFunc) (*Output, error) {
	mime, name, err := outputMIME(desc, opts.OutputFormat)
	if err != nil {
		return nil, err
	}
	if !SupportsConversion(desc.Name, name) {
		return nil, &UnsupportedFormatError{Descriptor: desc, Reason: "cannot convert to " + name}
	}

	var warnings []string
	if !canEncode(p.codec, mime) {
		if opts.Strict {
			return nil, fmt.Errorf("%w: %s", ErrNoEncoder, name)
		}
		fallback := FallbackFormat(desc.HasFeature("transparency"))
		warnings = append(warnings, fmt.Sprintf("no %s encoder, wrote %s instead", name, fallback))
		p.logger.Warn("output format fallback", "requested", name, "used", fallback, "file", f.Name)
		name, mime = fallback, MIMEForFormat(fallback)
	}

	q := opts.Quality
	if q == 0 {
		q = defaultConvertQuality
	}
	out, err := p.encodeOnce(ctx, f.Data, EncodeParams{
		Quality:      q,
		MaxDimension: max(opts.MaxWidth, opts.MaxHeight),
		MIMEType:     mime,
	}, name, onProgress)
	if err != nil {
		return nil, err
	}
	out.Warnings = warnings
	return out, nil
}

func (p *processor) encodeOnce(ctx context.Context, src []byte, params EncodeParams, name string, onProgress ProgressFunc) (*Output, error) {
	progress := newProgressTracker(onProgress)
	progress.report(0)
	data, err := p.codec.Encode(ctx, src, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ce *CodecError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CodecError{Params: params, Err: err}
	}
	progress.report(100)
	return &Output{Data: data, Format: name, Quality: params.Quality, Iterations: 1}, nil
}
