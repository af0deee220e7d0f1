package target

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/timeutil"
)

func blob(n, x, y int) []geometry.IntensityPoint {
	pts := make([]geometry.IntensityPoint, n)
	for i := range pts {
		// spread a few centimeters so the running average is exercised
		pts[i] = geometry.IntensityPoint{
			ScanPoint: geometry.ScanPoint{X: x + (i%3)*10 - 10, Y: y + (i%2)*10, Z: 300},
			Intensity: 9000,
		}
	}
	return pts
}

func TestClusterGreedyMerge(t *testing.T) {
	var pts []geometry.IntensityPoint
	pts = append(pts, blob(6, 5000, 0)...)
	pts = append(pts, blob(8, 0, 0)...)
	pts = append(pts, geometry.IntensityPoint{ScanPoint: geometry.ScanPoint{X: 20000, Y: 0}})

	clusters := cluster(pts, 1.0)
	require.Len(t, clusters, 3)
	assert.Equal(t, 8, clusters[0].Count)
	assert.Equal(t, 6, clusters[1].Count)
	assert.Equal(t, 1, clusters[2].Count)
	assert.InDelta(t, 0, clusters[0].Pos.X, 15)
	assert.InDelta(t, 5000, clusters[1].Pos.X, 15)
}

func TestUpdateCandidates(t *testing.T) {
	d := NewDetector(DefaultConfig())
	d.AddIntensityPoints(blob(10, 3000, 0))
	d.AddIntensityPoints(blob(5, -3000, 0)) // too small
	d.Update()

	cands := d.Candidates()
	require.Len(t, cands, 1)
	assert.Equal(t, 10, cands[0].Count)
	assert.InDelta(t, 0.5, cands[0].Probability, 1e-9)

	// the buffer is drained by an update
	d.Update()
	assert.Empty(t, d.Candidates())
}

func TestSearchPointBuildsUpThenDecays(t *testing.T) {
	d := NewDetector(DefaultConfig())
	self := geometry.Pose{X: 2, Y: 1}

	for cycle := 0; cycle < 6; cycle++ {
		d.AddIntensityPoints(blob(15, 3000, 1000))
		d.Update()
	}

	sp, ok := d.NearestSearchPoint(self, 5)
	require.True(t, ok, "expected a search point after six observations")
	assert.Greater(t, sp.Probability, 0.2)
	assert.LessOrEqual(t, sp.Probability, 1.0)
	assert.InDelta(t, 3000, sp.Pos.X, 15)
	assert.InDelta(t, 1000, sp.Pos.Y, 15)

	prev := sp.Probability
	for cycle := 0; ; cycle++ {
		require.Less(t, cycle, 20, "search point never disappeared")
		d.Update()
		pts := d.SearchPoints()
		if len(pts) == 0 {
			break
		}
		require.Len(t, pts, 1)
		assert.Less(t, pts[0].Probability, prev, "probability must strictly decrease")
		prev = pts[0].Probability
	}
}

func TestNearestSearchPointFilters(t *testing.T) {
	d := NewDetector(DefaultConfig())
	d.searchPoints = []SearchPoint{
		{Pos: geometry.ScanPoint{X: 10000}, Probability: 0.9}, // out of range
		{Pos: geometry.ScanPoint{X: 1000}, Probability: 0.15}, // too weak
		{Pos: geometry.ScanPoint{X: 2000}, Probability: 0.5},
		{Pos: geometry.ScanPoint{X: 3000}, Probability: 0.4},
	}

	sp, ok := d.NearestSearchPoint(geometry.Pose{}, 5)
	require.True(t, ok)
	if diff := cmp.Diff(SearchPoint{Pos: geometry.ScanPoint{X: 2000}, Probability: 0.5}, sp); diff != "" {
		t.Errorf("NearestSearchPoint mismatch (-want +got):\n%s", diff)
	}

	_, ok = d.NearestSearchPoint(geometry.Pose{X: -50}, 5)
	assert.False(t, ok)
}

func TestSearchPointCompareIsStable(t *testing.T) {
	d := NewDetector(DefaultConfig())
	// two separate targets seen equally often keep their insertion order
	d.AddIntensityPoints(blob(15, 0, 5000))
	d.AddIntensityPoints(blob(15, 0, -5000))
	d.Update()

	pts := d.SearchPoints()
	require.Len(t, pts, 2)
	assert.Equal(t, pts[0].Probability, pts[1].Probability)
	assert.Greater(t, pts[0].Pos.Y, 0)

	assert.Equal(t, -1, SearchPoint{Probability: 0.9}.Compare(SearchPoint{Probability: 0.1}))
	assert.Equal(t, 1, SearchPoint{Probability: 0.1}.Compare(SearchPoint{Probability: 0.9}))
}

func TestMaxSearchPoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSearchPoints = 2
	d := NewDetector(cfg)
	for i := 0; i < 4; i++ {
		d.AddIntensityPoints(blob(15, i*5000, 0))
	}
	d.Update()
	assert.Len(t, d.SearchPoints(), 2)
}

func TestAddIntensityPointsDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 3
	d := NewDetector(cfg)

	mk := func(ids ...int) []geometry.IntensityPoint {
		var out []geometry.IntensityPoint
		for _, id := range ids {
			out = append(out, geometry.IntensityPoint{Intensity: id})
		}
		return out
	}

	d.AddIntensityPoints(mk(1, 2))
	d.AddIntensityPoints(mk(3, 4))
	assert.Equal(t, mk(2, 3, 4), d.points)

	d.AddIntensityPoints(mk(5, 6, 7, 8))
	assert.Equal(t, mk(6, 7, 8), d.points)
}

func TestRunUpdatesOnTick(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.ProbabilityDown = 0.01 // survive the extra ticks of the polling loop
	d := NewDetector(cfg)
	d.AddIntensityPoints(blob(15, 1000, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, clock) }()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(d.SearchPoints()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
