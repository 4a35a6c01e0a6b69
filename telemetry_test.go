package kitfox

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTelemetryReport(t *testing.T) {
	tel := NewTelemetry(nil)
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tel.now = clock.now

	assert.Equal(t, TelemetryReport{}, tel.Report())

	a, b := uuid.New(), uuid.New()
	tel.StartTask(a, OpCompress, 3000, "image/jpeg")
	tel.StartTask(b, OpConvert, 1000, "image/png")
	assert.Equal(t, 2, tel.Report().Running)

	clock.advance(time.Second)
	tel.EndTask(a, true, nil)
	clock.advance(time.Second)
	tel.EndTask(b, false, errors.New("boom"))

	// Unknown ids are ignored.
	tel.EndTask(uuid.New(), true, nil)

	r := tel.Report()
	assert.Equal(t, 2, r.TotalTasks)
	assert.Equal(t, 0, r.Running)
	assert.InDelta(t, 50, r.SuccessRate, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, r.AverageDuration)
	assert.InDelta(t, 2000, r.Throughput, 1e-9)
	assert.Equal(t, "2 tasks, 50.0% ok, avg 1.5s, 2.0 KiB/s", r.String())

	tel.Reset()
	assert.Equal(t, TelemetryReport{}, tel.Report())
}

func TestTelemetryNilSafe(t *testing.T) {
	var tel *Telemetry
	tel.StartTask(uuid.New(), OpCompress, 1, "")
	tel.EndTask(uuid.New(), true, nil)
}
