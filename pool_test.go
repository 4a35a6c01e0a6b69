package kitfox

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoCodec returns src followed by the quality as one byte.
var echoCodec = CodecFunc(func(ctx context.Context, src []byte, p EncodeParams) ([]byte, error) {
	return append(bytes.Clone(src), byte(math.Round(p.Quality*100))), nil
})

func TestRecommendedWorkers(t *testing.T) {
	n := RecommendedWorkers()
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 8)
}

func TestPoolCorrelatesReplies(t *testing.T) {
	p := NewExecutionPool(echoCodec, PoolOptions{Workers: 3}, nil)
	defer p.Close()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := []byte{byte(i)}
			out, err := p.Encode(context.Background(), src, EncodeParams{Quality: float64(i%100) / 100})
			assert.NoError(t, err)
			assert.Equal(t, []byte{byte(i), byte(i % 100)}, out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, p.Status().Workers)
}

func TestPoolRoundRobin(t *testing.T) {
	seen := map[int]int{}
	var calls atomic.Int32
	codec := CodecFunc(func(ctx context.Context, src []byte, p EncodeParams) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	})
	p := NewExecutionPool(codec, PoolOptions{Workers: 4}, nil)
	defer p.Close()

	for range 8 {
		// Sequential calls land on successive inboxes.
		inbox := int(p.next.Load() % 4)
		_, err := p.Encode(context.Background(), nil, EncodeParams{})
		require.NoError(t, err)
		seen[inbox]++
	}
	assert.Equal(t, int32(8), calls.Load())
	for w := range 4 {
		assert.Equal(t, 2, seen[w], "worker %d", w)
	}
}

func TestPoolPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	codec := CodecFunc(func(ctx context.Context, src []byte, p EncodeParams) ([]byte, error) {
		return nil, boom
	})
	p := NewExecutionPool(codec, PoolOptions{Workers: 1}, nil)
	defer p.Close()
	_, err := p.Encode(context.Background(), nil, EncodeParams{})
	assert.ErrorIs(t, err, boom)
}

func TestPoolCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	codec := CodecFunc(func(ctx context.Context, src []byte, p EncodeParams) ([]byte, error) {
		started <- struct{}{}
		<-release
		return []byte{1}, nil
	})
	p := NewExecutionPool(codec, PoolOptions{Workers: 1}, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Encode(ctx, nil, EncodeParams{})
		errc <- err
	}()
	<-started
	assert.Equal(t, 1, p.Status().Active)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Encode did not return after cancellation")
	}

	// The worker finishes its call and the late reply is dropped.
	close(release)
	require.Eventually(t, func() bool { return p.Status().Active == 0 }, 2*time.Second, 5*time.Millisecond)

	out, err := p.Encode(context.Background(), nil, EncodeParams{})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out)
}

func TestPoolClosed(t *testing.T) {
	p := NewExecutionPool(echoCodec, PoolOptions{Workers: 2}, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err := p.Encode(context.Background(), []byte{1}, EncodeParams{})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolRateLimit(t *testing.T) {
	p := NewExecutionPool(echoCodec, PoolOptions{Workers: 2, RateLimit: 20, Burst: 1}, nil)
	defer p.Close()

	start := time.Now()
	for range 5 {
		_, err := p.Encode(context.Background(), nil, EncodeParams{})
		require.NoError(t, err)
	}
	// Four waits of 50ms after the initial burst token.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestPoolForwardsCapabilities(t *testing.T) {
	p := NewExecutionPool(NewImageCodec(nil), PoolOptions{Workers: 1}, nil)
	defer p.Close()
	assert.True(t, p.CanEncode("image/png"))
	assert.False(t, p.CanEncode("image/webp"))
	assert.True(t, p.CanDecode("image/webp"))
	assert.False(t, p.CanDecode("image/avif"))

	plain := NewExecutionPool(echoCodec, PoolOptions{Workers: 1}, nil)
	defer plain.Close()
	assert.True(t, plain.CanEncode("image/avif"))
}
