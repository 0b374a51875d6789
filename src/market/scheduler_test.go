package market

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnts08/base-token-watch/src/metrics"
)

var t0 = time.Date(2024, 11, 2, 12, 0, 0, 0, time.UTC)

func sec(n int) time.Duration { return time.Duration(n) * time.Second }

func newTestScheduler() *Scheduler {
	return NewScheduler(DefaultPolicy(), metrics.New())
}

func TestUnknownTokenIsDue(t *testing.T) {
	s := newTestScheduler()
	assert.True(t, s.ShouldCheck("0xaaa", t0))

	s.MarkNew("0xaaa", t0)
	assert.True(t, s.ShouldCheck("0xAAA", t0))
}

func TestNewTokenCadence(t *testing.T) {
	s := newTestScheduler()
	s.MarkNew("0xaaa", t0)
	s.Record("0xaaa", t0, Observation{})

	assert.False(t, s.ShouldCheck("0xaaa", t0.Add(sec(4))))
	assert.True(t, s.ShouldCheck("0xaaa", t0.Add(sec(5))))
}

func TestDemotionAfterSilentChecks(t *testing.T) {
	s := newTestScheduler()
	s.MarkNew("0xaaa", t0)
	for _, at := range []int{0, 5, 10} {
		require.True(t, s.ShouldCheck("0xaaa", t0.Add(sec(at))), "check at +%ds", at)
		s.Record("0xaaa", t0.Add(sec(at)), Observation{})
	}

	st, ok := s.State("0xaaa")
	require.True(t, ok)
	assert.Equal(t, 3, st.CheckCount)
	assert.Equal(t, 3, st.ConsecutiveChecksWithoutMovement)

	for _, at := range []int{15, 20, 30, 39} {
		assert.False(t, s.ShouldCheck("0xaaa", t0.Add(sec(at))), "demoted token checked at +%ds", at)
	}
	assert.True(t, s.ShouldCheck("0xaaa", t0.Add(sec(40))))
}

func TestMovementKeepsNewCadence(t *testing.T) {
	s := newTestScheduler()
	s.MarkNew("0xaaa", t0)
	s.Record("0xaaa", t0, Observation{})
	s.Record("0xaaa", t0.Add(sec(5)), Observation{})
	s.Record("0xaaa", t0.Add(sec(10)), Observation{HasPair: true, Moved: true})
	s.Record("0xaaa", t0.Add(sec(15)), Observation{HasPair: true})

	st, _ := s.State("0xaaa")
	require.NotNil(t, st.LastMovementAt)
	assert.Equal(t, t0.Add(sec(10)), *st.LastMovementAt)
	assert.True(t, s.ShouldCheck("0xaaa", t0.Add(sec(20))))
}

func TestActiveAndInactiveCadence(t *testing.T) {
	s := newTestScheduler()

	s.MarkNew("0xactive", t0)
	s.Record("0xactive", t0.Add(3*time.Minute), Observation{HasPair: true})
	assert.False(t, s.ShouldCheck("0xactive", t0.Add(3*time.Minute+sec(14))))
	assert.True(t, s.ShouldCheck("0xactive", t0.Add(3*time.Minute+sec(15))))

	s.MarkNew("0xquiet", t0)
	s.Record("0xquiet", t0.Add(3*time.Minute), Observation{})
	assert.False(t, s.ShouldCheck("0xquiet", t0.Add(3*time.Minute+sec(29))))
	assert.True(t, s.ShouldCheck("0xquiet", t0.Add(3*time.Minute+sec(30))))
}

func TestCeilingAlwaysWins(t *testing.T) {
	s := newTestScheduler()
	s.MarkNew("0xaaa", t0)
	s.Record("0xaaa", t0, Observation{HasPair: true, Moved: true})
	assert.True(t, s.ShouldCheck("0xaaa", t0.Add(time.Hour)))
}

func TestBeginPreventsDuplicateInflight(t *testing.T) {
	s := newTestScheduler()
	require.True(t, s.Begin("0xaaa", t0))
	assert.False(t, s.Begin("0xaaa", t0))
	assert.Empty(t, s.Due([]string{"0xaaa"}, t0))

	s.Complete("0xaaa", t0, Observation{HasPair: true})
	assert.False(t, s.Begin("0xaaa", t0.Add(sec(1))))
	assert.True(t, s.Begin("0xaaa", t0.Add(sec(5))))
}

func TestBeginConcurrent(t *testing.T) {
	s := newTestScheduler()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Begin("0xaaa", t0) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestResetMakesEverythingDue(t *testing.T) {
	s := newTestScheduler()
	s.MarkNew("0xaaa", t0)
	s.Record("0xaaa", t0, Observation{})
	require.False(t, s.ShouldCheck("0xaaa", t0.Add(sec(1))))

	s.Reset()
	assert.True(t, s.ShouldCheck("0xaaa", t0.Add(sec(1))))
	_, ok := s.State("0xaaa")
	assert.False(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	s := newTestScheduler()
	s.MarkNew("0xaaa", t0)
	s.Record("0xaaa", t0, Observation{HasPair: true, Moved: true})

	other := newTestScheduler()
	other.Restore(s.Snapshot())
	got, ok := other.State("0xaaa")
	require.True(t, ok)
	want, _ := s.State("0xaaa")
	assert.Equal(t, want, got)
}
