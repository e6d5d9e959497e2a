package predictor

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/heimdex/vidseg/internal/maskcodec"
)

// Predictor is the model collaborator. Calls for one session must not be
// issued concurrently; implementations serialize internally anyway.
type Predictor interface {
	// StartSession opens a model session over a frames directory and returns
	// its id.
	StartSession(ctx context.Context, cfg SessionConfig) (string, error)
	AddPrompt(ctx context.Context, req PromptRequest) (FrameOutput, error)
	RemoveObject(ctx context.Context, sessionID string, objID int) error
	ResetSession(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error

	// StreamPropagate yields one element per propagated frame. Stopping
	// iteration early cancels the stream.
	StreamPropagate(ctx context.Context, req PropagateRequest) iter.Seq2[FrameOutput, error]

	// FrameCache returns the live mask cache of a session.
	FrameCache(sessionID string) (*FrameCache, error)
}

// FrameInferer is implemented by predictors that can run a single frame
// without propagating.
type FrameInferer interface {
	InferFrame(ctx context.Context, sessionID string, frameIndex int) (FrameOutput, error)
}

// FrameCache maps frame index to object id to mask. Absence of a frame
// means it was never computed.
type FrameCache struct {
	mu     sync.RWMutex
	frames map[int]map[int]maskcodec.Mask
}

func NewFrameCache() *FrameCache {
	return &FrameCache{frames: make(map[int]map[int]maskcodec.Mask)}
}

// Has reports whether the frame has an entry, even an empty one.
func (c *FrameCache) Has(frame int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.frames[frame]
	return ok
}

// Get returns a shallow copy of the frame's object masks.
func (c *FrameCache) Get(frame int) (map[int]maskcodec.Mask, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	objs, ok := c.frames[frame]
	if !ok {
		return nil, false
	}
	return maps.Clone(objs), true
}

// Set stores one object's mask on a frame, creating the frame entry.
func (c *FrameCache) Set(frame, objID int, m maskcodec.Mask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	objs, ok := c.frames[frame]
	if !ok {
		objs = make(map[int]maskcodec.Mask)
		c.frames[frame] = objs
	}
	objs[objID] = m
}

// Put replaces a frame entry with the objects of a model output batch.
func (c *FrameCache) Put(out FrameOutput) {
	objs := make(map[int]maskcodec.Mask, out.Outputs.Len())
	for i := 0; i < out.Outputs.Len(); i++ {
		objs[out.Outputs.ObjIDs[i]] = out.Outputs.Masks[i]
	}
	c.mu.Lock()
	c.frames[out.FrameIndex] = objs
	c.mu.Unlock()
}

// RemoveObject drops an object from every frame. Frame entries stay.
func (c *FrameCache) RemoveObject(objID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, objs := range c.frames {
		delete(objs, objID)
	}
}

func (c *FrameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.frames)
}

// Frames returns the cached frame indexes in ascending order.
func (c *FrameCache) Frames() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.frames))
}

// Snapshot copies the entries for frames in [start, end].
func (c *FrameCache) Snapshot(start, end int) map[int]map[int]maskcodec.Mask {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]map[int]maskcodec.Mask)
	for frame, objs := range c.frames {
		if frame >= start && frame <= end {
			out[frame] = maps.Clone(objs)
		}
	}
	return out
}

// Missing returns the frames in [start, end] without an entry.
func (c *FrameCache) Missing(start, end int) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing []int
	for f := start; f <= end; f++ {
		if _, ok := c.frames[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}
