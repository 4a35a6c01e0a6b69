package kitfox

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func sized(name string, n int) File {
	return File{Name: name, Data: make([]byte, n)}
}

func TestProfileBatchEmpty(t *testing.T) {
	p := ProfileBatch(nil)
	assert.Equal(t, ComplexityLow, p.Complexity)
	assert.Equal(t, 1, p.Concurrency)
	assert.Equal(t, uint8(3), p.MaxRetries)
	assert.Empty(t, p.Priorities)
}

func TestProfileBatchLow(t *testing.T) {
	p := ProfileBatch([]File{
		sized("a.jpg", 1000),
		sized("b.gif", 3000),
		sized("c.png", 5000),
	})
	assert.Equal(t, ComplexityLow, p.Complexity)
	assert.Equal(t, int64(9000), p.TotalBytes)
	assert.Equal(t, int64(3000), p.AverageSize)
	assert.Equal(t, OptimalConcurrency(), p.Concurrency)
	assert.Equal(t, uint8(3), p.MaxRetries)
	// Smaller than average +10, jpeg or png +5.
	assert.Equal(t, []int32{15, 0, 5}, p.Priorities)
}

func TestProfileBatchMedium(t *testing.T) {
	p := ProfileBatch([]File{
		sized("a.jpg", 2<<20),
		sized("b.jpg", 2<<20),
	})
	assert.Equal(t, ComplexityMedium, p.Complexity)
	assert.Equal(t, 0, p.LargeFiles)
	assert.GreaterOrEqual(t, p.Concurrency, 2)
	assert.Equal(t, uint8(3), p.MaxRetries)
}

func TestProfileBatchHigh(t *testing.T) {
	files := []File{sized("big.tiff", 11<<20)}
	for range 2 {
		files = append(files, sized("small.jpg", 1000))
	}
	p := ProfileBatch(files)
	assert.Equal(t, 1, p.LargeFiles)
	assert.Equal(t, ComplexityHigh, p.Complexity)
	assert.Equal(t, max(1, OptimalConcurrency()/2), p.Concurrency)
	assert.Equal(t, uint8(2), p.MaxRetries)
	assert.Equal(t, int32(15), p.Priorities[1])
	assert.Equal(t, int32(0), p.Priorities[0])
}

func TestSummarize(t *testing.T) {
	results := map[uuid.UUID]TaskResult{}
	add := func(r TaskResult) {
		r.ID = uuid.New()
		results[r.ID] = r
	}
	add(TaskResult{Success: true, Data: make([]byte, 1024), Duration: time.Second})
	add(TaskResult{Success: true, Data: make([]byte, 1024), FromCache: true})
	add(failed(uuid.Nil, ErrCompressionInfeasible))
	add(failed(uuid.Nil, ErrCompressionInfeasible))
	add(failed(uuid.Nil, errors.New("boom")))

	s := Summarize(results)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 3, s.Failed)
	assert.Equal(t, 1, s.FromCache)
	assert.Equal(t, int64(2048), s.BytesOut)
	assert.Equal(t, time.Second, s.TotalDuration)
	assert.Equal(t, map[string]int{ErrCompressionInfeasible.Error(): 2, "boom": 1}, s.Errors)
	assert.Equal(t, "2/5 succeeded (1 cached, 3 failed), 2.0 KiB written", s.String())
}
