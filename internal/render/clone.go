package render

import (
	"sync"
	"weak"
)

// CloneKey identifies the render clone of an effect for one (time, view)
// within one tree render. Effects use it both to create a clone
// (CreateRenderClone) and, typically, as their own cache key for the
// clones they hand back.
//
// The key holds only a weak reference to its TreeRender: a clone cached
// by an effect must not be the thing keeping a finished tree render's
// state alive. Two CloneKeys compare equal exactly when they were made
// from the same TreeRender and the same time and view, including after
// that TreeRender has been collected.
type CloneKey struct {
	tree weak.Pointer[TreeRender]
	time Time
	view ViewIndex
}

func newCloneKey(t *TreeRender, time Time, view ViewIndex) CloneKey {
	return CloneKey{tree: weak.Make(t), time: time, view: view}
}

// TreeRender resolves the key back to its tree render, if still live.
func (k CloneKey) TreeRender() (*TreeRender, bool) {
	t := k.tree.Value()
	return t, t != nil
}

// Time and View return the (time, view) pair this key's clones are bound
// to, for effects that need to pick clone parameters for the right frame.
func (k CloneKey) Time() Time      { return k.time }
func (k CloneKey) View() ViewIndex { return k.view }

// cloneRegistry tracks every render clone created for one tree render, so
// that cleanup can walk them exactly once at teardown. Clones are kept
// per (effect, CloneKey): the same effect cloned at two different
// (time, view) pairs within one tree render gets two independent clones,
// since each holds its own render-local parameter state for that frame.
type cloneRegistry struct {
	mu      sync.Mutex
	clones  map[Effect]map[CloneKey]Effect
	cleaned bool
}

func newCloneRegistry() *cloneRegistry {
	return &cloneRegistry{clones: make(map[Effect]map[CloneKey]Effect)}
}

// getOrCreate returns the existing clone of original for key, creating one
// via original.CreateRenderClone if this is the first request at this key.
// Safe for concurrent callers planning different branches of the same
// tree.
func (c *cloneRegistry) getOrCreate(original Effect, key CloneKey) (Effect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perKey, ok := c.clones[original]
	if ok {
		if clone, ok := perKey[key]; ok {
			return clone, nil
		}
	} else {
		perKey = make(map[CloneKey]Effect)
		c.clones[original] = perKey
	}
	clone, err := original.CreateRenderClone(key)
	if err != nil {
		return nil, err
	}
	perKey[key] = clone
	return clone, nil
}

// cleanup drops every clone this registry created, via the owning
// effect's DropRenderClone, regardless of which (time, view) key each was
// created at. It is idempotent: only the first call does anything,
// matching the rule that a tree render's clones are released exactly
// once, regardless of how many sub-executions shared them.
func (c *cloneRegistry) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaned {
		return
	}
	c.cleaned = true
	for original, perKey := range c.clones {
		for key := range perKey {
			original.DropRenderClone(key)
		}
	}
	clear(c.clones)
}
