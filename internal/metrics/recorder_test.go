package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecorderCounters(t *testing.T) {
	t.Run("hit ratio", func(t *testing.T) {
		r := NewRecorder()
		assert.Equal(t, 0.0, r.HitRatio(), "no reads yet")

		r.Hit()
		r.Hit()
		r.Hit()
		r.Miss()

		assert.InDelta(t, 0.75, r.HitRatio(), 0.001)
	})

	t.Run("latency aggregates per domain", func(t *testing.T) {
		r := NewRecorder()
		r.Fetch("energy", 100*time.Millisecond)
		r.Fetch("energy", 300*time.Millisecond)
		r.Fetch("water", 50*time.Millisecond)

		snap := r.Snapshot()
		assert.Equal(t, int64(3), snap.Fetches)

		energy := snap.Latency["energy"]
		assert.Equal(t, int64(2), energy.Count)
		assert.Equal(t, 200*time.Millisecond, energy.Average)
		assert.Equal(t, 300*time.Millisecond, energy.Max)

		water := snap.Latency["water"]
		assert.Equal(t, int64(1), water.Count)
	})

	t.Run("errors and recoveries", func(t *testing.T) {
		r := NewRecorder()
		r.Error()
		r.Recovery()
		r.Recovery()

		snap := r.Snapshot()
		assert.Equal(t, int64(1), snap.Errors)
		assert.Equal(t, int64(2), snap.Recoveries)
	})

	t.Run("concurrent increments are safe", func(t *testing.T) {
		r := NewRecorder()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Hit()
				r.Fetch("energy", time.Millisecond)
			}()
		}
		wg.Wait()

		snap := r.Snapshot()
		assert.Equal(t, int64(50), snap.Hits)
		assert.Equal(t, int64(50), snap.Latency["energy"].Count)
	})
}
