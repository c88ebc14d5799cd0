package perfstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulator(t *testing.T) {
	a := Accumulator[float64]{}
	require.Equal(t, 0.0, a.Average())
	a.AddSample(1)
	a.AddSample(2)
	require.Equal(t, 1.5, a.Average())
	a.Reset()
	require.Equal(t, int64(0), a.Samples)

	b := Accumulator[int64]{}
	b.AddSample(7)
	b.AddSample(8)
	require.Equal(t, int64(7), b.Average())
}

func TestTimeAccumulator(t *testing.T) {
	ta := &TimeAccumulator{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ta.AddSample(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	s := ta.Snapshot()
	require.Equal(t, int64(800), s.Samples)
	require.Equal(t, 800*time.Millisecond, s.Total)
	require.Equal(t, time.Millisecond, s.Average())

	ta.Reset()
	ta.Since(time.Now().Add(-time.Second))
	require.GreaterOrEqual(t, ta.Snapshot().Total, time.Second)
}
