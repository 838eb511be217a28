package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

type scriptedStats struct {
	mu        sync.Mutex
	snapshots []CapacitySnapshot
	errs      []error
	calls     int
}

func (s *scriptedStats) FetchConcurrencyStats(context.Context) (CapacitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return CapacitySnapshot{}, s.errs[i]
	}
	if i >= len(s.snapshots) {
		return s.snapshots[len(s.snapshots)-1], nil
	}
	return s.snapshots[i], nil
}

func TestGateSlots(t *testing.T) {
	tests := []struct {
		name        string
		parallelism int
		share       float64
		snap        CapacitySnapshot
		want        int
	}{
		{"idle grid claims half", 0, 0.5, CapacitySnapshot{Active: 0, Max: 10}, 5},
		{"odd max floors", 0, 0.5, CapacitySnapshot{Active: 0, Max: 5}, 2},
		{"tiny grid still gets one", 0, 0.5, CapacitySnapshot{Active: 0, Max: 1}, 1},
		{"busy grid runs serially", 0, 0.5, CapacitySnapshot{Active: 3, Max: 10}, 1},
		{"full grid", 0, 0.5, CapacitySnapshot{Active: 10, Max: 10}, 0},
		{"over quota", 0, 0.5, CapacitySnapshot{Active: 12, Max: 10}, 0},
		{"override below available", 3, 0.5, CapacitySnapshot{Active: 2, Max: 10}, 3},
		{"override above available", 20, 0.5, CapacitySnapshot{Active: 2, Max: 10}, 8},
		{"override on full grid", 4, 0.5, CapacitySnapshot{Active: 10, Max: 10}, 0},
		{"custom idle share", 0, 0.8, CapacitySnapshot{Active: 0, Max: 10}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(nil, GatePolicy{Parallelism: tt.parallelism, IdleShare: tt.share}, nil)
			assert.Equal(t, tt.want, g.Slots(tt.snap))
		})
	}
}

func TestGateAvailableSlots_WaitsForCapacity(t *testing.T) {
	stats := &scriptedStats{snapshots: []CapacitySnapshot{
		{Active: 5, Max: 5},
		{Active: 5, Max: 5},
		{Active: 4, Max: 5},
	}}
	g := NewGate(stats, GatePolicy{PollInterval: 5 * time.Millisecond, MaxWait: time.Second}, nil)

	var waits int
	g.OnWait = func(CapacitySnapshot, time.Duration) { waits++ }

	n, err := g.AvailableSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, stats.calls, "gate re-polls every round")
	assert.Equal(t, 2, waits)
}

func TestGateAvailableSlots_Timeout(t *testing.T) {
	stats := &scriptedStats{snapshots: []CapacitySnapshot{{Active: 5, Max: 5}}}
	g := NewGate(stats, GatePolicy{PollInterval: 10 * time.Millisecond, MaxWait: 35 * time.Millisecond}, nil)

	start := time.Now()
	_, err := g.AvailableSlots(context.Background())
	require.Error(t, err)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeCapacityTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, stats.calls, 2)
}

func TestGateAvailableSlots_TransientErrors(t *testing.T) {
	stats := &scriptedStats{
		snapshots: []CapacitySnapshot{{}, {Active: 0, Max: 4}},
		errs:      []error{errors.New("502 bad gateway")},
	}
	g := NewGate(stats, GatePolicy{PollInterval: time.Millisecond, MaxWait: time.Second}, nil)

	n, err := g.AvailableSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGateAvailableSlots_TimeoutKeepsLastError(t *testing.T) {
	boom := errors.New("api down")
	stats := &scriptedStats{
		snapshots: []CapacitySnapshot{{}},
		errs:      []error{boom, boom, boom, boom, boom, boom, boom, boom},
	}
	g := NewGate(stats, GatePolicy{PollInterval: 10 * time.Millisecond, MaxWait: 25 * time.Millisecond}, nil)

	_, err := g.AvailableSlots(context.Background())
	require.Error(t, err)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeCapacityTimeout))
	assert.ErrorIs(t, err, boom)
}

func TestGateAvailableSlots_Cancelled(t *testing.T) {
	stats := &scriptedStats{snapshots: []CapacitySnapshot{{Active: 1, Max: 1}}}
	g := NewGate(stats, GatePolicy{PollInterval: time.Hour, MaxWait: 2 * time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.AvailableSlots(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGatePause(t *testing.T) {
	g := NewGate(nil, GatePolicy{PollInterval: time.Millisecond, MaxWait: time.Second}, nil)
	require.NoError(t, g.Pause(context.Background(), g.Deadline()))

	g = NewGate(nil, GatePolicy{PollInterval: time.Hour, MaxWait: time.Second}, nil)

	start := time.Now()
	require.NoError(t, g.Pause(context.Background(), start.Add(5*time.Millisecond)))
	assert.Less(t, time.Since(start), time.Second)

	err := g.Pause(context.Background(), time.Now())
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeCapacityTimeout))
}

func TestGateAvailableSlots_WaitsWhenMaxWaitIsShorterThanPoll(t *testing.T) {
	stats := &scriptedStats{snapshots: []CapacitySnapshot{
		{Active: 5, Max: 5},
		{Active: 4, Max: 5},
	}}
	g := NewGate(stats, GatePolicy{PollInterval: time.Hour, MaxWait: 20 * time.Millisecond}, nil)

	start := time.Now()
	n, err := g.AvailableSlots(context.Background())
	require.NoError(t, err, "the gate should poll again at the deadline")
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, stats.calls)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestGateAvailableSlots_PollsAtDeadline(t *testing.T) {
	stats := &scriptedStats{snapshots: []CapacitySnapshot{{Active: 5, Max: 5}}}
	g := NewGate(stats, GatePolicy{PollInterval: time.Hour, MaxWait: 15 * time.Millisecond}, nil)

	start := time.Now()
	_, err := g.AvailableSlots(context.Background())
	require.Error(t, err)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeCapacityTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "the gate waits the full max wait")
	assert.Equal(t, 2, stats.calls)
}
