package kitfox

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Complexity classifies the expected cost of a batch.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

const (
	largeFile    = 10 << 20
	heavyAverage = 5 << 20
	mediumAvg    = 1 << 20
)

// BatchProfile is a plan derived from the files of a batch.
type BatchProfile struct {
	Files       int
	TotalBytes  int64
	AverageSize int64
	LargeFiles  int // files over 10MiB
	Complexity  Complexity

	// Concurrency is the suggested MaxConcurrency.
	Concurrency int
	// MaxRetries is the suggested per-item retry limit.
	MaxRetries uint8
	// Priorities holds a suggested priority for each file, by index.
	Priorities []int32
}

// ProfileBatch inspects files and suggests concurrency, retries and
// per-file priorities. Many large files lower the concurrency and retry
// count; files smaller than the batch average and JPEG or PNG inputs are
// favored.
//
// A batch where more than 30% of files exceed 10MiB, or the average exceeds
// 5MiB, is high complexity. Any large file or an average above 1MiB makes
// it medium.
func ProfileBatch(files []File) BatchProfile {
	p := BatchProfile{Files: len(files), Priorities: make([]int32, len(files))}
	if len(files) == 0 {
		p.Complexity = ComplexityLow
		p.Concurrency = 1
		p.MaxRetries = DefaultRetryPolicy().MaxRetries
		return p
	}

	for _, f := range files {
		n := int64(len(f.Data))
		p.TotalBytes += n
		if n > largeFile {
			p.LargeFiles++
		}
	}
	p.AverageSize = p.TotalBytes / int64(len(files))

	base := OptimalConcurrency()
	switch {
	case float64(p.LargeFiles)/float64(len(files)) > 0.3 || p.AverageSize > heavyAverage:
		p.Complexity = ComplexityHigh
		p.Concurrency = max(1, base/2)
		p.MaxRetries = 2
	case p.LargeFiles > 0 || p.AverageSize > mediumAvg:
		p.Complexity = ComplexityMedium
		p.Concurrency = max(2, base*3/4)
		p.MaxRetries = 3
	default:
		p.Complexity = ComplexityLow
		p.Concurrency = base
		p.MaxRetries = 3
	}

	for i, f := range files {
		var prio int32
		if int64(len(f.Data)) < p.AverageSize {
			prio += 10
		}
		switch Identify(f.Data, f.Name, f.MIMEType).Name {
		case "jpeg", "png":
			prio += 5
		}
		p.Priorities[i] = prio
	}
	return p
}

// BatchSummary aggregates the results of a batch.
type BatchSummary struct {
	Total         int
	Succeeded     int
	Failed        int
	FromCache     int
	BytesOut      int64
	TotalDuration time.Duration
	// Errors counts failures by reason.
	Errors map[string]int
}

// Summarize aggregates results.
func Summarize(results map[uuid.UUID]TaskResult) BatchSummary {
	s := BatchSummary{Total: len(results), Errors: make(map[string]int)}
	for _, r := range results {
		s.TotalDuration += r.Duration
		if r.FromCache {
			s.FromCache++
		}
		if r.Success {
			s.Succeeded++
			s.BytesOut += int64(len(r.Data))
			continue
		}
		s.Failed++
		s.Errors[r.Error]++
	}
	return s
}

func (s BatchSummary) String() string {
	return fmt.Sprintf("%d/%d succeeded (%d cached, %d failed), %s written",
		s.Succeeded, s.Total, s.FromCache, s.Failed, humanize.IBytes(uint64(s.BytesOut)))
}
