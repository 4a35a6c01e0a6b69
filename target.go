package kitfox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"
)

// Fixed offsets below the target used to stop searching with margin.
const (
	safetyMargin = 2 * 1024
	optimalRange = 4 * 1024
	tolerance    = 1024
)

// Search limits.
const (
	maxFineProbes     = 12
	minFineQuality    = 0.05
	dimensionDecay    = 0.8
	dimensionFloor    = 200
	dimensionAttempts = 5
	dimensionQuality  = 0.1

	defaultMaxWidth  = 1920
	defaultMaxHeight = 1080
)

// CompressionTarget holds the byte budget of a size-targeted compression.
type CompressionTarget struct {
	TargetBytes  int64
	HardLimit    int64 // results must be strictly smaller
	SafeBound    int64
	OptimalBound int64
}

// NewCompressionTarget derives the bounds for a target size in bytes.
// Bounds never go below zero.
func NewCompressionTarget(targetBytes int64) CompressionTarget {
	return CompressionTarget{
		TargetBytes:  targetBytes,
		HardLimit:    targetBytes,
		SafeBound:    max(0, targetBytes-safetyMargin),
		OptimalBound: max(0, targetBytes-optimalRange),
	}
}

// Accepts reports whether size is strictly below the hard limit.
func (t CompressionTarget) Accepts(size int64) bool { return size < t.HardLimit }

func (t CompressionTarget) String() string {
	return fmt.Sprintf("target %s (optimal %s, safe %s)",
		humanize.IBytes(uint64(t.HardLimit)),
		humanize.IBytes(uint64(t.OptimalBound)),
		humanize.IBytes(uint64(t.SafeBound)))
}

// Stage identifies the search stage that produced a result.
type Stage string

const (
	StageCoarse    Stage = "coarse"
	StageFine      Stage = "fine"
	StageDimension Stage = "dimension"
	StageForced    Stage = "forced"
)

// ProgressFunc receives monotonic progress in percent (0-100).
type ProgressFunc func(percent int)

// TargetOptions configures one CompressToTarget call.
type TargetOptions struct {
	// MaxWidth and MaxHeight bound the output. Defaults 1920x1080.
	MaxWidth  int
	MaxHeight int

	// OutputFormat is the MIME type to encode to. Empty keeps the source format.
	OutputFormat string

	OnProgress ProgressFunc
}

// TargetResult is the outcome of a size-targeted compression.
type TargetResult struct {
	Data         []byte
	ActualSize   int64
	Iterations   int // codec invocations
	Success      bool
	Quality      float64
	MaxDimension int
	Stage        Stage
}

// SizeTargeter drives a Codec through a bounded search until the encoded
// output is strictly smaller than the hard limit.
type SizeTargeter struct {
	codec  Codec
	logger *slog.Logger
}

// NewSizeTargeter returns a SizeTargeter using codec. A nil logger discards.
func NewSizeTargeter(codec Codec, logger *slog.Logger) *SizeTargeter {
	if logger == nil {
		logger = discardLogger()
	}
	return &SizeTargeter{codec: codec, logger: logger}
}

// coarseBand selects the Stage A parameters from the fraction of bytes
// that must be removed.
func coarseBand(compressionNeeded float64) (quality float64, dimension int) {
	switch {
	case compressionNeeded > 0.95:
		return 0.15, 800
	case compressionNeeded > 0.90:
		return 0.25, 1000
	case compressionNeeded > 0.80:
		return 0.35, 1200
	case compressionNeeded > 0.70:
		return 0.45, 1400
	case compressionNeeded > 0.50:
		return 0.6, 1600
	default:
		return 0.8, 0
	}
}

var forcedAttempts = []struct {
	quality   float64
	dimension int
}{
	{0.1, 600},
	{0.05, 400},
	{0.02, 200},
}

// search carries the state of one CompressToTarget call.
type search struct {
	t        *SizeTargeter
	target   CompressionTarget
	src      []byte
	mime     string
	progress *progressTracker

	best       []byte
	bestQ      float64
	bestDim    int
	bestStage  Stage
	smallest   int64
	iterations int
	lastErr    error
}

// probe runs one codec call. A codec failure reports ok=false with a nil
// error so the caller can continue and is kept in lastErr; only context
// errors are returned.
func (s *search) probe(ctx context.Context, stage Stage, quality float64, dimension int) (size int64, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.iterations++
	params := EncodeParams{Quality: quality, MaxDimension: dimension, MIMEType: s.mime}
	data, err := s.t.codec.Encode(ctx, s.src, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, false, ctxErr
		}
		s.t.logger.Debug("probe failed", "stage", stage, "quality", quality, "dimension", dimension, "error", err)
		var ce *CodecError
		if !errors.As(err, &ce) {
			err = &CodecError{Params: params, Err: err}
		}
		s.lastErr = err
		return 0, false, nil
	}
	size = int64(len(data))
	if s.smallest == 0 || size < s.smallest {
		s.smallest = size
	}
	s.t.logger.Debug("probe",
		"stage", stage,
		"quality", quality,
		"dimension", dimension,
		"size_kb", fmt.Sprintf("%.2f", float64(size)/1024))
	if !s.target.Accepts(size) {
		return size, false, nil
	}
	s.best = data
	s.bestQ = quality
	s.bestDim = dimension
	s.bestStage = stage
	return size, true, nil
}

func (s *search) done() bool {
	return s.best != nil && int64(len(s.best)) <= s.target.OptimalBound
}

// CompressToTarget re-encodes src until its size is strictly below
// target.HardLimit. It runs a coarse jump, a binary search on quality, a
// dimension reduction fallback and finally a fixed set of forced attempts.
// When all of them fail it returns an *InfeasibleError and no bytes; an
// oversized result is never returned. If the codec never produced output
// the last *CodecError is returned instead, so callers may retry.
func (t *SizeTargeter) CompressToTarget(ctx context.Context, src []byte, target CompressionTarget, opts TargetOptions) (*TargetResult, error) {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = defaultMaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = defaultMaxHeight
	}
	s := &search{
		t:        t,
		target:   target,
		src:      src,
		mime:     opts.OutputFormat,
		progress: newProgressTracker(opts.OnProgress),
	}
	if target.HardLimit <= 0 || len(src) == 0 {
		return &TargetResult{}, &InfeasibleError{HardLimit: target.HardLimit}
	}

	t.logger.Debug("compress to target",
		"original", humanize.IBytes(uint64(len(src))),
		"target", target.String())

	s.progress.report(0)
	maxDim := max(opts.MaxWidth, opts.MaxHeight)

	// Stage A.
	compressionNeeded := 1 - float64(target.TargetBytes)/float64(len(src))
	initialQuality, coarseDim := coarseBand(compressionNeeded)
	if coarseDim == 0 || coarseDim > maxDim {
		coarseDim = maxDim
	}
	if _, _, err := s.probe(ctx, StageCoarse, initialQuality, coarseDim); err != nil {
		return nil, err
	}
	s.progress.report(30)
	if s.done() {
		return s.finish(), nil
	}

	// Stage B.
	fine := s.progress.scaled(30, 80)
	lo, hi := minFineQuality, initialQuality
	for i := 0; i < maxFineProbes; i++ {
		if s.best != nil && abs64(int64(len(s.best))-target.OptimalBound) <= tolerance {
			break
		}
		mid := (lo + hi) / 2
		_, ok, err := s.probe(ctx, StageFine, mid, maxDim)
		if err != nil {
			return nil, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
		fine((i + 1) * 100 / maxFineProbes)
	}
	s.progress.report(80)
	if s.best != nil {
		return s.finish(), nil
	}

	// Dimension fallback.
	shrink := s.progress.scaled(80, 88)
	dim := float64(min(coarseDim, maxDim))
	for i := 0; i < dimensionAttempts; i++ {
		dim = math.Max(dimensionFloor, math.Floor(dim*dimensionDecay))
		_, ok, err := s.probe(ctx, StageDimension, dimensionQuality, int(dim))
		if err != nil {
			return nil, err
		}
		shrink((i + 1) * 100 / dimensionAttempts)
		if ok {
			return s.finish(), nil
		}
		if dim <= dimensionFloor {
			break
		}
	}

	// Stage C.
	forced := s.progress.scaled(88, 99)
	for i, a := range forcedAttempts {
		_, ok, err := s.probe(ctx, StageForced, a.quality, min(a.dimension, maxDim))
		if err != nil {
			return nil, err
		}
		forced((i + 1) * 100 / len(forcedAttempts))
		if ok {
			return s.finish(), nil
		}
	}

	if s.smallest == 0 && s.lastErr != nil {
		t.logger.Warn("codec failed on every attempt", "iterations", s.iterations, "error", s.lastErr)
		return &TargetResult{Iterations: s.iterations}, s.lastErr
	}

	err := &InfeasibleError{
		HardLimit:  target.HardLimit,
		BestSize:   s.smallest,
		Iterations: s.iterations,
	}
	t.logger.Warn("compression infeasible",
		"target", humanize.IBytes(uint64(target.HardLimit)),
		"smallest", humanize.IBytes(uint64(s.smallest)),
		"iterations", s.iterations)
	return &TargetResult{Iterations: s.iterations}, err
}

func (s *search) finish() *TargetResult {
	s.progress.report(100)
	size := int64(len(s.best))
	s.t.logger.Debug("target reached",
		"stage", s.bestStage,
		"size_kb", fmt.Sprintf("%.2f", float64(size)/1024),
		"iterations", s.iterations)
	return &TargetResult{
		Data:         s.best,
		ActualSize:   size,
		Iterations:   s.iterations,
		Success:      true,
		Quality:      s.bestQ,
		MaxDimension: s.bestDim,
		Stage:        s.bestStage,
	}
}

// IsInfeasible reports whether err means the target could not be reached.
func IsInfeasible(err error) bool { return errors.Is(err, ErrCompressionInfeasible) }

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
