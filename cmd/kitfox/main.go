// Command kitfox compresses and converts images in parallel.
//
// Usage:
//
//	kitfox [flags] <input>...
//	kitfox --identify <input>...
//	kitfox --analyze <input>
//
// Examples:
//
//	kitfox --target-size 100KB photo.jpg
//	kitfox --format webp --out-dir out/ *.png
//	kitfox --quality 0.6 --max-width 1920 --concurrency 4 photos/*.jpg
//	kitfox --identify mystery.bin
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/shamspias/kitfox"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type flags struct {
	targetSize  string
	format      string
	quality     float64
	maxWidth    int
	maxHeight   int
	outDir      string
	concurrency int
	retries     int
	config      string
	identify    bool
	analyze     bool
	verify      bool
	use         string
	logLevel    string
	logFormat   string
}

func run(args []string, stdout, stderr io.Writer) int {
	var f flags
	fs := pflag.NewFlagSet("kitfox", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&f.targetSize, "target-size", "t", "", "compress below this size (e.g. 100KB, 2MB)")
	fs.StringVarP(&f.format, "format", "f", "", "output format (jpeg, png, gif, bmp, tiff, webp); converts when set without --target-size")
	fs.Float64VarP(&f.quality, "quality", "q", 0, "encode quality 0-1 (0 = default)")
	fs.IntVar(&f.maxWidth, "max-width", 0, "maximum output width (0 = no limit)")
	fs.IntVar(&f.maxHeight, "max-height", 0, "maximum output height (0 = no limit)")
	fs.StringVarP(&f.outDir, "out-dir", "o", ".", "directory for results")
	fs.IntVarP(&f.concurrency, "concurrency", "c", 0, "parallel items (0 = derived from CPUs and memory)")
	fs.IntVar(&f.retries, "retries", -1, "retries per item (-1 = config value)")
	fs.StringVar(&f.config, "config", "", "YAML config file (default $"+kitfox.ConfigEnv+")")
	fs.BoolVar(&f.identify, "identify", false, "print detected formats and exit")
	fs.BoolVar(&f.analyze, "analyze", false, "print image statistics and format recommendations")
	fs.BoolVar(&f.verify, "verify", false, "print the SSIM of each result against its input")
	fs.StringVar(&f.use, "use", "web", "use case for --analyze: web, print, archive, icon")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "text or json")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: kitfox [flags] <input>...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		fs.Usage()
		return 2
	}

	if f.identify {
		return runIdentify(inputs, stdout, stderr)
	}
	if f.analyze {
		return runAnalyze(inputs, kitfox.UseCase(f.use), stdout, stderr)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	req, err := buildRequest(f)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runBatch(ctx, cfg, req, inputs, f.outDir, f.verify, stdout, stderr)
}

func loadConfig(f flags) (kitfox.Config, error) {
	var (
		cfg kitfox.Config
		err error
	)
	if f.config != "" {
		cfg, err = kitfox.LoadConfigFile(f.config)
	} else {
		cfg, err = kitfox.LoadConfig()
	}
	if err != nil {
		return cfg, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.concurrency > 0 {
		cfg.Scheduler.MaxConcurrency = f.concurrency
	}
	if f.retries >= 0 {
		cfg.Scheduler.Retry.MaxRetries = uint8(min(f.retries, 255))
	}
	return cfg, cfg.Validate()
}

// buildRequest converts when only a format is given and compresses
// otherwise.
func buildRequest(f flags) (kitfox.Request, error) {
	if f.quality < 0 || f.quality > 1 {
		return kitfox.Request{}, fmt.Errorf("quality %.2f out of range [0, 1]", f.quality)
	}
	if f.format != "" && f.targetSize == "" {
		return kitfox.Request{
			Operation: kitfox.OpConvert,
			Convert: &kitfox.ConvertOptions{
				OutputFormat: f.format,
				Quality:      f.quality,
				MaxWidth:     f.maxWidth,
				MaxHeight:    f.maxHeight,
			},
		}, nil
	}

	opts := &kitfox.CompressOptions{
		OutputFormat: f.format,
		Quality:      f.quality,
		MaxWidth:     f.maxWidth,
		MaxHeight:    f.maxHeight,
	}
	if f.targetSize != "" {
		n, err := parseSize(f.targetSize)
		if err != nil {
			return kitfox.Request{}, fmt.Errorf("invalid target-size %q: %w", f.targetSize, err)
		}
		opts.TargetBytes = n
	}
	return kitfox.Request{Operation: kitfox.OpCompress, Compress: opts}, nil
}

// parseSize reads sizes the way people write them for files: KB and MB are
// binary multiples, as are KiB and MiB.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for _, unit := range []string{"KB", "MB", "GB"} {
		if strings.HasSuffix(upper, unit) {
			s = s[:len(s)-2] + unit[:1] + "iB"
			break
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("size must be positive")
	}
	return int64(n), nil
}

func runIdentify(inputs []string, stdout, stderr io.Writer) int {
	code := 0
	for _, path := range inputs {
		file, err := kitfox.OpenFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			code = 1
			continue
		}
		n := min(len(file.Data), kitfox.SniffLen)
		d := kitfox.Identify(file.Data[:n], file.Name, file.MIMEType)
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\tsupported=%t\t%s\n",
			path, d.Name, d.MIMEType, d.Category, d.Supported, humanize.IBytes(uint64(len(file.Data))))
	}
	return code
}

func runAnalyze(inputs []string, use kitfox.UseCase, stdout, stderr io.Writer) int {
	codec := kitfox.NewImageCodec(nil)
	code := 0
	for _, path := range inputs {
		file, err := kitfox.OpenFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			code = 1
			continue
		}
		stats, err := codec.Analyze(file.Data)
		if err != nil {
			fmt.Fprintf(stderr, "Error analyzing %s: %v\n", path, err)
			code = 1
			continue
		}
		fmt.Fprintf(stdout, "File:          %s\n", path)
		fmt.Fprintf(stdout, "Size:          %s\n", humanize.IBytes(uint64(len(file.Data))))
		fmt.Fprintf(stdout, "Dimensions:    %d x %d\n", stats.Width, stats.Height)
		fmt.Fprintf(stdout, "Alpha:         %v\n", stats.HasAlpha)
		fmt.Fprintf(stdout, "Grayscale:     %v\n", stats.IsGrayscale)
		fmt.Fprintf(stdout, "Unique colors: %d+\n", stats.UniqueColors)
		fmt.Fprintf(stdout, "Entropy:       %.2f bits\n", stats.Entropy)
		fmt.Fprintf(stdout, "Edge density:  %.1f%%\n", stats.EdgeDensity*100)
		fmt.Fprintf(stdout, "Recommended:   %s\n", strings.Join(kitfox.RecommendOutputFormats(stats, use), ", "))
	}
	return code
}

func runBatch(ctx context.Context, cfg kitfox.Config, req kitfox.Request, inputs []string, outDir string, verify bool, stdout, stderr io.Writer) int {
	logger := kitfox.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	engine, err := kitfox.Create(cfg, kitfox.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		engine.Shutdown(sctx)
	}()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	files := make([]kitfox.File, 0, len(inputs))
	for _, path := range inputs {
		file, err := kitfox.OpenFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		files = append(files, file)
	}

	profile := kitfox.ProfileBatch(files)
	reqs := make([]kitfox.BatchRequest, len(files))
	names := make(map[uuid.UUID]string, len(files))
	sources := make(map[uuid.UUID][]byte, len(files))
	for i, file := range files {
		r := req
		r.Priority = profile.Priorities[i]
		reqs[i] = kitfox.BatchRequest{ID: uuid.New(), File: file, Request: r}
		names[reqs[i].ID] = inputs[i]
		sources[reqs[i].ID] = file.Data
	}
	logger.Debug("batch profiled", "files", profile.Files, "complexity", profile.Complexity, "concurrency", profile.Concurrency)

	opts := kitfox.BatchOptions{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		OnProgress: func(percent float64, completed, total int) {
			logger.Info("progress", "percent", fmt.Sprintf("%.0f", percent), "completed", completed, "total", total)
		},
	}
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = profile.Concurrency
	}

	results, err := engine.ProcessBatch(ctx, reqs, opts)
	if err != nil && results == nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ids := make([]uuid.UUID, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return names[ids[i]] < names[ids[j]] })

	codec := kitfox.NewImageCodec(nil)
	code := 0
	for _, id := range ids {
		r := results[id]
		src := names[id]
		if !r.Success {
			fmt.Fprintf(stdout, "FAIL  %s: %s\n", src, r.Error)
			code = 1
			continue
		}
		path, err := kitfox.WriteResult(outDir, src, r)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			code = 1
			continue
		}
		fmt.Fprintf(stdout, "OK    %s -> %s (%s, %d iterations)\n",
			src, path, humanize.IBytes(uint64(len(r.Data))), r.Iterations)
		if verify {
			if ssim, err := codec.Similarity(sources[id], r.Data); err == nil {
				fmt.Fprintf(stdout, "      ssim %.4f\n", ssim)
			} else {
				fmt.Fprintf(stdout, "      ssim unavailable: %v\n", err)
			}
		}
		for _, w := range r.Warnings {
			fmt.Fprintf(stdout, "      warning: %s\n", w)
		}
	}
	fmt.Fprintln(stdout, kitfox.Summarize(results))
	return code
}
