package filter

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-event-core/internal/clock"
	"gate-event-core/internal/types"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestFilter() (*Filter, *clock.Fake) {
	clk := clock.NewFake(t0)
	return New(DefaultConfig(), NewMemoryCooldown(), clk, nil), clk
}

func detection(plate string, confidence float64, at time.Time) types.Detection {
	return types.Detection{
		CameraID:   "cam-in",
		PlateText:  plate,
		Confidence: confidence,
		CapturedAt: at,
	}
}

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{" ab-12 cd ", "AB12CD"},
		{"AB12CD", "AB12CD"},
		{"mh.12/ab\t1234", "MH12AB1234"},
		{"--", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizePlate(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizePlate(got), "normalizing twice must be idempotent")
		})
	}
}

func TestEvaluate_ConfidenceGate(t *testing.T) {
	f, _ := newTestFilter()

	low := f.Evaluate(detection("AB12CD", 0.80, t0))
	assert.Equal(t, RejectLowConfidence, low.Decision)

	ok := f.Evaluate(detection("AB12CD", 0.90, t0))
	assert.Equal(t, Accept, ok.Decision)
	assert.Equal(t, "AB12CD", ok.Plate)
}

func TestEvaluate_InvalidPlateCheckedFirst(t *testing.T) {
	f, _ := newTestFilter()

	v := f.Evaluate(detection(" a-1 ", 0.10, t0))
	assert.Equal(t, RejectInvalidPlate, v.Decision)
	assert.False(t, v.Accepted())
}

func TestEvaluate_CooldownPerPlateAndCamera(t *testing.T) {
	f, clk := newTestFilter()

	first := f.Evaluate(detection("AB12CD", 0.95, t0))
	clk.Advance(10 * time.Second)
	second := f.Evaluate(detection("ab 12 cd", 0.95, t0.Add(10*time.Second)))
	assert.Equal(t, Accept, first.Decision)
	assert.Equal(t, RejectDuplicate, second.Decision)

	// another camera observes the same plate independently
	other := detection("AB12CD", 0.95, t0.Add(10*time.Second))
	other.CameraID = "cam-out"
	assert.Equal(t, Accept, f.Evaluate(other).Decision)

	// the window is measured from the last accepted detection
	clk.Advance(51 * time.Second)
	later := f.Evaluate(detection("AB12CD", 0.95, t0.Add(61*time.Second)))
	assert.Equal(t, Accept, later.Decision)

	stats := f.GetStats()
	assert.Equal(t, int64(3), stats.TotalAccepted)
	assert.Equal(t, int64(1), stats.TotalDuplicates)
}

func TestEvaluate_RejectionsDoNotStartCooldown(t *testing.T) {
	f, clk := newTestFilter()

	assert.Equal(t, RejectLowConfidence, f.Evaluate(detection("AB12CD", 0.5, t0)).Decision)
	clk.Advance(time.Second)
	assert.Equal(t, Accept, f.Evaluate(detection("AB12CD", 0.9, t0.Add(time.Second))).Decision)
}

func TestEvaluate_MissingCaptureTime(t *testing.T) {
	f, clk := newTestFilter()

	v := f.Evaluate(detection("AB12CD", 0.9, time.Time{}))
	assert.True(t, v.Accepted())
	assert.True(t, v.At.Equal(clk.Now()))
}

func TestEvaluate_SkewedCaptureTimeDoesNotMoveCooldown(t *testing.T) {
	store := NewMemoryCooldown()
	clk := clock.NewFake(t0)
	f := New(DefaultConfig(), store, clk, nil)

	// a camera an hour ahead of the server
	ahead := f.Evaluate(detection("AB12CD", 0.9, t0.Add(time.Hour)))
	require.True(t, ahead.Accepted())
	assert.True(t, ahead.At.Equal(t0))

	clk.Advance(2 * time.Minute)
	assert.Equal(t, Accept, f.Evaluate(detection("AB12CD", 0.9, t0.Add(2*time.Minute))).Decision)

	// a camera behind the server is still suppressed inside the window
	clk.Advance(10 * time.Second)
	assert.Equal(t, RejectDuplicate, f.Evaluate(detection("AB12CD", 0.9, t0.Add(-time.Hour))).Decision)

	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, f.Prune(clk.Now()))
	assert.Zero(t, store.Len())
}

func TestRelease_AllowsRetry(t *testing.T) {
	f, clk := newTestFilter()

	v := f.Evaluate(detection("AB12CD", 0.9, t0))
	require.True(t, v.Accepted())

	f.Release(v)
	clk.Advance(time.Second)
	assert.Equal(t, Accept, f.Evaluate(detection("AB12CD", 0.9, t0.Add(time.Second))).Decision)
}

func TestRelease_DoesNotDropNewerRecord(t *testing.T) {
	store := NewMemoryCooldown()
	require.True(t, store.Reserve("k", t0, time.Minute))
	require.True(t, store.Reserve("k", t0.Add(2*time.Minute), time.Minute))

	store.Release("k", t0)
	assert.False(t, store.Reserve("k", t0.Add(2*time.Minute+time.Second), time.Minute))
}

func TestPrune(t *testing.T) {
	store := NewMemoryCooldown()
	clk := clock.NewFake(t0)
	f := New(DefaultConfig(), store, clk, nil)

	f.Evaluate(detection("AB12CD", 0.9, t0))
	clk.Advance(50 * time.Second)
	f.Evaluate(detection("XY99ZZ", 0.9, t0.Add(50*time.Second)))

	assert.Equal(t, 1, f.Prune(t0.Add(90*time.Second)))
	assert.Equal(t, 1, store.Len())
}

func TestEvaluate_ConcurrentSamePlateAcceptsOnce(t *testing.T) {
	f, _ := newTestFilter()

	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Evaluate(detection("AB12CD", 0.9, t0)).Accepted() {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       types.Detection
		wantErr bool
	}{
		{"valid", detection("AB12CD", 0.9, t0), false},
		{"missing camera", types.Detection{PlateText: "AB12CD", Confidence: 0.9}, true},
		{"confidence above one", detection("AB12CD", 1.2, t0), true},
		{"negative confidence", detection("AB12CD", -0.1, t0), true},
		{"nan confidence", detection("AB12CD", math.NaN(), t0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.d)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrValidationRejected))
			var ve ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}
