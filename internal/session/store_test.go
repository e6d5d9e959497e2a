package session

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/vidseg/internal/apperr"
)

func newActiveStore(t *testing.T, id string) *Store {
	t.Helper()
	s := NewStore()
	s.SetActive(Info{ID: id, NumFrames: 10, Width: 64, Height: 48})
	return s
}

func TestRequire(t *testing.T) {
	s := NewStore()
	_, err := s.Require("abc")
	assert.True(t, apperr.Is(err, apperr.KindSessionNotFound), "empty store")

	s.SetActive(Info{ID: "abc"})
	info, err := s.Require("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", info.ID)

	_, err = s.Require("other")
	assert.True(t, apperr.Is(err, apperr.KindSessionNotFound), "mismatched id")
}

func TestSetActive_ReplacesState(t *testing.T) {
	s := newActiveStore(t, "one")
	_, err := s.BumpGeneration("one")
	require.NoError(t, err)
	_, err = s.NextUserObjectID("one")
	require.NoError(t, err)

	s.SetActive(Info{ID: "two"})
	_, err = s.Require("one")
	assert.Error(t, err)

	g, err := s.Generation("two")
	require.NoError(t, err)
	assert.Zero(t, g)
	objID, err := s.NextUserObjectID("two")
	require.NoError(t, err)
	assert.Equal(t, -1, objID)
}

func TestClearActive(t *testing.T) {
	s := newActiveStore(t, "abc")
	info, ok := s.ClearActive()
	assert.True(t, ok)
	assert.Equal(t, "abc", info.ID)

	_, ok = s.Active()
	assert.False(t, ok)
	_, ok = s.ClearActive()
	assert.False(t, ok)
}

func TestBumpGeneration_StrictlyIncreasing(t *testing.T) {
	s := newActiveStore(t, "abc")
	var last uint64
	for i := 0; i < 5; i++ {
		g, err := s.BumpGeneration("abc")
		require.NoError(t, err)
		assert.Greater(t, g, last)
		last = g
	}

	_, err := s.BumpGeneration("missing")
	assert.True(t, apperr.Is(err, apperr.KindSessionNotFound))
}

func TestBumpGeneration_Concurrent(t *testing.T) {
	s := newActiveStore(t, "abc")
	const n = 50
	seen := make(chan uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := s.BumpGeneration("abc")
			if err == nil {
				seen <- g
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for g := range seen {
		unique[g] = true
	}
	assert.Len(t, unique, n)
	g, err := s.Generation("abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), g)
}

func TestIsGenerationCurrent(t *testing.T) {
	s := newActiveStore(t, "abc")
	g, err := s.Generation("abc")
	require.NoError(t, err)

	ok, err := s.IsGenerationCurrent("abc", g)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.BumpGeneration("abc")
	require.NoError(t, err)
	ok, err = s.IsGenerationCurrent("abc", g)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.IsGenerationCurrent("missing", g)
	assert.True(t, apperr.Is(err, apperr.KindSessionNotFound))
}

func TestNextUserObjectID_AndReset(t *testing.T) {
	s := newActiveStore(t, "abc")
	for _, want := range []int{-1, -2, -3} {
		got, err := s.NextUserObjectID("abc")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, s.ResetObjectCounter("abc"))
	got, err := s.NextUserObjectID("abc")
	require.NoError(t, err)
	assert.Equal(t, -1, got)
}

func TestAddClickPoints_Accumulates(t *testing.T) {
	s := newActiveStore(t, "abc")
	p := func(x float64) Point { return Point{X: x, Y: 0.5, Label: 1} }

	got, err := s.AddClickPoints("abc", -1, 3, []Point{p(0.1)})
	require.NoError(t, err)
	assert.Equal(t, []Point{p(0.1)}, got)

	got, err = s.AddClickPoints("abc", -1, 3, []Point{p(0.2), p(0.3)})
	require.NoError(t, err)
	assert.Equal(t, []Point{p(0.1), p(0.2), p(0.3)}, got)

	// other keys are independent
	got, err = s.AddClickPoints("abc", -1, 4, []Point{p(0.9)})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// the returned slice is a copy
	got[0].X = 0
	again, err := s.AddClickPoints("abc", -1, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.9, again[0].X)
}

func TestClearClickHistory(t *testing.T) {
	s := newActiveStore(t, "abc")
	pt := []Point{{X: 0.5, Y: 0.5, Label: 1}}
	for _, obj := range []int{-1, -2} {
		for _, frame := range []int{0, 1} {
			_, err := s.AddClickPoints("abc", obj, frame, pt)
			require.NoError(t, err)
		}
	}

	require.NoError(t, s.ClearClickHistoryForObject("abc", -1))
	got, err := s.AddClickPoints("abc", -1, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = s.AddClickPoints("abc", -2, 1, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, s.ClearClickHistory("abc"))
	got, err = s.AddClickPoints("abc", -2, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPointValidate(t *testing.T) {
	tests := []struct {
		name  string
		point Point
		ok    bool
	}{
		{"inside", Point{X: 0.3, Y: 0.2, Label: 1}, true},
		{"corners", Point{X: 1, Y: 0, Label: 0}, true},
		{"x too large", Point{X: 1.5, Y: 0.2, Label: 1}, false},
		{"negative y", Point{X: 0.5, Y: -0.1, Label: 1}, false},
		{"nan", Point{X: math.NaN(), Y: 0.5, Label: 1}, false},
		{"bad label", Point{X: 0.5, Y: 0.5, Label: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.Is(err, apperr.KindInvalidPoint), "got %v", err)
		})
	}
}
