package segment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/session"
)

func newTestService(t *testing.T, p predictor.Predictor) (*Service, *session.Store) {
	t.Helper()
	store := session.NewStore()
	svc := NewService(Config{
		Store:          store,
		Predictor:      p,
		Extractor:      &fakeExtractor{},
		FramesDir:      t.TempDir(),
		MaxDurationSec: 60,
		MaxFrames:      900,
	})
	return svc, store
}

func currentGeneration(t *testing.T, store *session.Store) uint64 {
	t.Helper()
	g, err := store.Generation("s1")
	require.NoError(t, err)
	return g
}

func TestAddTextPrompt_ResetFirstClearsLocalState(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)

	_, err := store.AddClickPoints("s1", -1, 0, []session.Point{{X: 0.1, Y: 0.1, Label: 1}})
	require.NoError(t, err)
	_, _ = store.NextUserObjectID("s1")
	_, _ = store.NextUserObjectID("s1")

	out, err := svc.AddTextPrompt(context.Background(), "s1", 2, "  cow ", true)
	require.NoError(t, err)
	assert.Equal(t, 2, out.FrameIndex)
	require.Len(t, out.Objects, 1)
	assert.Equal(t, 1, out.Objects[0].ObjID)

	assert.Equal(t, []string{"reset_session", "add_prompt"}, fp.Calls())
	assert.Equal(t, "cow", fp.prompts[0].Text)
	assert.Nil(t, fp.prompts[0].ObjID)
	assert.Equal(t, uint64(1), currentGeneration(t, store))

	pts, err := store.AddClickPoints("s1", -1, 0, []session.Point{{X: 0.2, Y: 0.2, Label: 0}})
	require.NoError(t, err)
	assert.Len(t, pts, 1)
	id, err := store.NextUserObjectID("s1")
	require.NoError(t, err)
	assert.Equal(t, -1, id)
}

func TestAddTextPrompt_WithoutReset(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	_, _ = store.NextUserObjectID("s1")

	_, err := svc.AddTextPrompt(context.Background(), "s1", 0, "person", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"add_prompt"}, fp.Calls())

	id, err := store.NextUserObjectID("s1")
	require.NoError(t, err)
	assert.Equal(t, -2, id)
}

func TestAddTextPrompt_ResetFailureKeepsLocalState(t *testing.T) {
	fp := newFakePredictor(4)
	fp.resetErr = errors.New("worker crashed")
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	_, err := store.AddClickPoints("s1", 3, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
	require.NoError(t, err)

	_, err = svc.AddTextPrompt(context.Background(), "s1", 0, "dog", true)
	assert.True(t, apperr.Is(err, apperr.KindModelRuntime), "got %v", err)
	assert.Equal(t, uint64(1), currentGeneration(t, store), "generation bump is not rolled back")
	assert.Equal(t, []string{"reset_session"}, fp.Calls())

	pts, err := store.AddClickPoints("s1", 3, 1, []session.Point{{X: 0.6, Y: 0.6, Label: 1}})
	require.NoError(t, err)
	assert.Len(t, pts, 2)
}

func TestAddTextPrompt_Validation(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	ctx := context.Background()

	_, err := svc.AddTextPrompt(ctx, "other", 0, "cow", true)
	assert.True(t, apperr.Is(err, apperr.KindSessionNotFound))

	_, err = svc.AddTextPrompt(ctx, "s1", 4, "cow", true)
	assert.True(t, apperr.Is(err, apperr.KindInvalidFrameIndex))

	_, err = svc.AddTextPrompt(ctx, "s1", -1, "cow", true)
	assert.True(t, apperr.Is(err, apperr.KindInvalidFrameIndex))

	_, err = svc.AddTextPrompt(ctx, "s1", 0, "   ", true)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	assert.Empty(t, fp.Calls())
	assert.Equal(t, uint64(0), currentGeneration(t, store))
}

func TestAddClickPrompt_SendsAccumulatedPoints(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	ctx := context.Background()

	_, err := svc.AddClickPrompt(ctx, "s1", 1, -1, []session.Point{{X: 0.1, Y: 0.2, Label: 1}})
	require.NoError(t, err)
	_, err = svc.AddClickPrompt(ctx, "s1", 1, -1, []session.Point{{X: 0.3, Y: 0.4, Label: 0}, {X: 0.5, Y: 0.6, Label: 1}})
	require.NoError(t, err)

	require.Len(t, fp.prompts, 2)
	last := fp.prompts[1]
	require.NotNil(t, last.ObjID)
	assert.Equal(t, -1, *last.ObjID)
	assert.Equal(t, [][2]float64{{0.1, 0.2}, {0.3, 0.4}, {0.5, 0.6}}, last.Points)
	assert.Equal(t, []int{1, 0, 1}, last.Labels)
	assert.Equal(t, uint64(2), currentGeneration(t, store))
}

func TestAddClickPrompt_InvalidPoints(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	ctx := context.Background()

	tests := []struct {
		name   string
		points []session.Point
		kind   apperr.Kind
	}{
		{"x out of range", []session.Point{{X: 1.5, Y: 0.2, Label: 1}}, apperr.KindInvalidPoint},
		{"bad label", []session.Point{{X: 0.5, Y: 0.2, Label: 2}}, apperr.KindInvalidPoint},
		{"second point bad", []session.Point{{X: 0.5, Y: 0.2, Label: 1}, {X: -0.1, Y: 0, Label: 0}}, apperr.KindInvalidPoint},
		{"no points", nil, apperr.KindBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddClickPrompt(ctx, "s1", 0, 1, tt.points)
			assert.True(t, apperr.Is(err, tt.kind), "got %v", err)
		})
	}

	assert.Empty(t, fp.Calls())
	assert.Equal(t, uint64(0), currentGeneration(t, store))
}

func TestAddClickPrompt_Seeding(t *testing.T) {
	t.Run("single frame inference", func(t *testing.T) {
		ip := &inferringPredictor{fakePredictor: newFakePredictor(4)}
		svc, store := newTestService(t, ip)
		activeSession(store, t.TempDir(), 4)

		_, err := svc.AddClickPrompt(context.Background(), "s1", 2, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
		require.NoError(t, err)
		assert.Equal(t, []string{"infer_frame", "add_prompt"}, ip.Calls())
	})

	t.Run("inference failure falls back to propagation", func(t *testing.T) {
		ip := &inferringPredictor{fakePredictor: newFakePredictor(4), inferErr: errors.New("nope")}
		svc, store := newTestService(t, ip)
		activeSession(store, t.TempDir(), 4)

		_, err := svc.AddClickPrompt(context.Background(), "s1", 2, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
		require.NoError(t, err)
		assert.Equal(t, []string{"infer_frame", "propagate", "add_prompt"}, ip.Calls())
	})

	t.Run("one step of forward propagation", func(t *testing.T) {
		fp := newFakePredictor(4)
		svc, store := newTestService(t, fp)
		activeSession(store, t.TempDir(), 4)

		_, err := svc.AddClickPrompt(context.Background(), "s1", 2, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
		require.NoError(t, err)
		assert.Equal(t, []string{"propagate", "add_prompt"}, fp.Calls())
		require.Len(t, fp.streams, 1)
		assert.Equal(t, predictor.DirectionForward, fp.streams[0].Direction)
		require.NotNil(t, fp.streams[0].StartFrameIndex)
		assert.Equal(t, 2, *fp.streams[0].StartFrameIndex)
		assert.Equal(t, []int{2}, fp.cache.Frames(), "only the seeded frame is consumed")
	})

	t.Run("cached frame is not seeded", func(t *testing.T) {
		fp := newFakePredictor(4)
		svc, store := newTestService(t, fp)
		activeSession(store, t.TempDir(), 4)
		fp.cache.Put(fp.output(2))

		_, err := svc.AddClickPrompt(context.Background(), "s1", 2, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
		require.NoError(t, err)
		assert.Equal(t, []string{"add_prompt"}, fp.Calls())
	})

	t.Run("seed failure", func(t *testing.T) {
		fp := newFakePredictor(4)
		fp.streamSkipsCache = true
		svc, store := newTestService(t, fp)
		activeSession(store, t.TempDir(), 4)

		_, err := svc.AddClickPrompt(context.Background(), "s1", 2, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
		assert.True(t, apperr.Is(err, apperr.KindCacheSeedFailed), "got %v", err)
		assert.Contains(t, apperr.MessageOf(err), "2")
		assert.Equal(t, []string{"propagate"}, fp.Calls())

		pts, err := store.AddClickPoints("s1", 1, 2, []session.Point{{X: 0.1, Y: 0.1, Label: 1}})
		require.NoError(t, err)
		assert.Len(t, pts, 1, "failed seeding leaves click history untouched")
	})
}

func TestAddClickPrompt_ModelError(t *testing.T) {
	fp := newFakePredictor(4)
	fp.promptErr = errors.New("boom")
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	fp.cache.Put(fp.output(0))

	_, err := svc.AddClickPrompt(context.Background(), "s1", 0, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
	assert.True(t, apperr.Is(err, apperr.KindModelRuntime))
	assert.Equal(t, "Click prompt failed", apperr.MessageOf(err))
}

func TestCreateObject(t *testing.T) {
	svc, store := newTestService(t, newFakePredictor(4))
	activeSession(store, t.TempDir(), 4)

	for _, want := range []int{-1, -2, -3} {
		id, err := svc.CreateObject("s1")
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	_, err := svc.CreateObject("nope")
	assert.True(t, apperr.Is(err, apperr.KindSessionNotFound))
}

func TestRemoveObject(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	p := []session.Point{{X: 0.5, Y: 0.5, Label: 1}}
	_, _ = store.AddClickPoints("s1", 1, 0, p)
	_, _ = store.AddClickPoints("s1", 2, 0, p)

	require.NoError(t, svc.RemoveObject(context.Background(), "s1", 1))
	assert.Equal(t, []string{"remove_object"}, fp.Calls())
	assert.Equal(t, uint64(1), currentGeneration(t, store))

	pts, _ := store.AddClickPoints("s1", 1, 0, p)
	assert.Len(t, pts, 1)
	pts, _ = store.AddClickPoints("s1", 2, 0, p)
	assert.Len(t, pts, 2)

	fp.removeErr = errors.New("boom")
	err := svc.RemoveObject(context.Background(), "s1", 2)
	assert.True(t, apperr.Is(err, apperr.KindModelRuntime))
	assert.Equal(t, uint64(2), currentGeneration(t, store))
	pts, _ = store.AddClickPoints("s1", 2, 0, p)
	assert.Len(t, pts, 3, "history survives a failed removal")
}

func TestResetSession(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	_, _ = store.NextUserObjectID("s1")
	_, _ = store.AddClickPoints("s1", -1, 0, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})

	require.NoError(t, svc.ResetSession(context.Background(), "s1"))

	id, _ := store.NextUserObjectID("s1")
	assert.Equal(t, -1, id)
	pts, _ := store.AddClickPoints("s1", -1, 0, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
	assert.Len(t, pts, 1)

	assert.True(t, apperr.Is(svc.ResetSession(context.Background(), "zzz"), apperr.KindSessionNotFound))
}

func TestStartPropagation(t *testing.T) {
	svc, store := newTestService(t, newFakePredictor(4))
	activeSession(store, t.TempDir(), 4)

	bad := 9
	_, err := svc.StartPropagation("s1", &bad)
	assert.True(t, apperr.Is(err, apperr.KindInvalidFrameIndex))
	assert.Equal(t, uint64(0), currentGeneration(t, store))

	g, err := svc.StartPropagation("s1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g)
}

func collect(t *testing.T, seq func(func(FrameObjects, error) bool)) ([]int, []error) {
	t.Helper()
	var frames []int
	var errs []error
	for fo, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, fo.FrameIndex)
	}
	return frames, errs
}

func TestStreamPropagation_Full(t *testing.T) {
	fp := newFakePredictor(5)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 5)

	start := 2
	g, err := svc.StartPropagation("s1", &start)
	require.NoError(t, err)

	frames, errs := collect(t, svc.StreamPropagation(context.Background(), "s1", predictor.DirectionBoth, &start, g))
	assert.Empty(t, errs)
	assert.Equal(t, []int{2, 3, 4, 1, 0}, frames)
}

func TestStreamPropagation_StopsWhenSuperseded(t *testing.T) {
	fp := newFakePredictor(5)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 5)

	g, err := svc.StartPropagation("s1", nil)
	require.NoError(t, err)

	// the edit lands after frame 2 is cached but before it is handed out
	fp.beforeYield = func(frame int) {
		if frame == 2 {
			_, err := store.BumpGeneration("s1")
			require.NoError(t, err)
		}
	}

	frames, errs := collect(t, svc.StreamPropagation(context.Background(), "s1", predictor.DirectionForward, nil, g))
	assert.Empty(t, errs, "a superseded stream ends silently")
	assert.Equal(t, []int{0, 1}, frames)
}

func TestStreamPropagation_StaleBeforeStart(t *testing.T) {
	fp := newFakePredictor(3)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 3)

	g, _ := svc.StartPropagation("s1", nil)
	_, err := svc.CreateObject("s1")
	require.NoError(t, err)
	require.NoError(t, svc.ResetSession(context.Background(), "s1"))

	frames, errs := collect(t, svc.StreamPropagation(context.Background(), "s1", predictor.DirectionForward, nil, g))
	assert.Empty(t, frames)
	assert.Empty(t, errs)
}

func TestStreamPropagation_SessionReplaced(t *testing.T) {
	fp := newFakePredictor(3)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 3)
	g, _ := svc.StartPropagation("s1", nil)

	fp.beforeYield = func(frame int) {
		if frame == 1 {
			store.SetActive(session.Info{ID: "s2", NumFrames: 3})
		}
	}
	frames, errs := collect(t, svc.StreamPropagation(context.Background(), "s1", predictor.DirectionForward, nil, g))
	assert.Equal(t, []int{0}, frames)
	require.Len(t, errs, 1)
	assert.True(t, apperr.Is(errs[0], apperr.KindSessionNotFound))
}

func TestStreamPropagation_ModelError(t *testing.T) {
	fp := newFakePredictor(5)
	fp.streamErrAfter = 2
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 5)
	g, _ := svc.StartPropagation("s1", nil)

	frames, errs := collect(t, svc.StreamPropagation(context.Background(), "s1", predictor.DirectionForward, nil, g))
	assert.Equal(t, []int{0, 1}, frames)
	require.Len(t, errs, 1)
	assert.True(t, apperr.Is(errs[0], apperr.KindModelRuntime))
}

func TestStreamPropagation_ConsumerStopsEarly(t *testing.T) {
	fp := newFakePredictor(5)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 5)
	g, _ := svc.StartPropagation("s1", nil)

	var got []int
	for fo, err := range svc.StreamPropagation(context.Background(), "s1", predictor.DirectionForward, nil, g) {
		require.NoError(t, err)
		got = append(got, fo.FrameIndex)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1}, got)
	assert.Equal(t, []int{0, 1}, fp.cache.Frames())
}

func TestStreamPropagation_ContextCancelled(t *testing.T) {
	fp := newFakePredictor(5)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 5)
	g, _ := svc.StartPropagation("s1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	fp.beforeYield = func(frame int) {
		if frame == 1 {
			cancel()
		}
	}
	frames, errs := collect(t, svc.StreamPropagation(ctx, "s1", predictor.DirectionForward, nil, g))
	assert.Equal(t, []int{0}, frames)
	assert.Empty(t, errs)
}

func TestGenerationIsStrictlyIncreasingAcrossOperations(t *testing.T) {
	fp := newFakePredictor(4)
	svc, store := newTestService(t, fp)
	activeSession(store, t.TempDir(), 4)
	ctx := context.Background()
	fp.cache.Put(fp.output(0))

	var seen []uint64
	ops := []func() error{
		func() error { _, err := svc.AddTextPrompt(ctx, "s1", 0, "cow", false); return err },
		func() error {
			_, err := svc.AddClickPrompt(ctx, "s1", 0, 1, []session.Point{{X: 0.5, Y: 0.5, Label: 1}})
			return err
		},
		func() error { return svc.RemoveObject(ctx, "s1", 1) },
		func() error { return svc.ResetSession(ctx, "s1") },
		func() error { _, err := svc.StartPropagation("s1", nil); return err },
	}
	for _, op := range ops {
		require.NoError(t, op())
		seen = append(seen, currentGeneration(t, store))
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)
}
