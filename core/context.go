package orchestration

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jinzhu/copier"
)

// State is the application-defined shape of one plugin's shared state.
type State map[string]any

// Context is the versioned, mutation-observable state scoped to one plugin
// instance. It is the only cross-task shared mutable state in the runtime:
// mutations happen exclusively from the owning plugin's effect loop (enforced
// by handing effects a [Mutable] write handle), and every read goes through a
// deep-cloned snapshot so no reader can observe a partial mutation.
type Context struct {
	mu sync.RWMutex

	state   State
	version uint64

	watchers []watcher
}

type watcher struct {
	selector func(State) any
	callback func(previous, current any)
	// previous is the serialized form of the selected projection before the
	// last mutation.
	previous []byte
}

func newContext(initial State) *Context {
	state := State{}
	if initial != nil {
		if err := copier.CopyWithOption(&state, initial, copier.Option{DeepCopy: true}); err != nil {
			logger.Warn("failed to clone initial plugin state", "error", err)
			state = State{}
		}
	}

	return &Context{state: state}
}

// Snapshot returns a deep clone of the current state, safe to read without
// observing later mutations.
func (c *Context) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return cloneState(c.state)
}

// Version increments once per mutation.
func (c *Context) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// OnChange registers a callback invoked after a mutation if, and only if, the
// serialized form of the selected projection changed.
func (c *Context) OnChange(selector func(State) any, callback func(previous, current any)) {
	if selector == nil || callback == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.watchers = append(c.watchers, watcher{
		selector: selector,
		callback: callback,
		previous: serializeProjection(selector(c.state)),
	})
}

// Mutable is the write handle effects receive. Holding one means running
// inside the owning plugin's main loop, which is what keeps the context
// single-writer.
type Mutable struct {
	*Context
}

func (m Mutable) Set(key string, value any) {
	m.mutate(func(state State) {
		state[key] = value
	})
}

// Update applies an updater to the current value under key. The updater
// receives the live value and must return the replacement.
func (m Mutable) Update(key string, update func(value any) any) {
	if update == nil {
		return
	}
	m.mutate(func(state State) {
		state[key] = update(state[key])
	})
}

func (m Mutable) mutate(apply func(State)) {
	m.mu.Lock()

	apply(m.state)
	m.version++

	type firing struct {
		callback          func(previous, current any)
		previous, current any
	}
	firings := []firing{}
	for i := range m.watchers {
		current := m.watchers[i].selector(m.state)
		serialized := serializeProjection(current)
		if string(serialized) == string(m.watchers[i].previous) {
			continue
		}

		// Both sides are rehydrated from their serialized form so callbacks
		// never hold references into the live state.
		var previous, detached any
		if err := json.Unmarshal(m.watchers[i].previous, &previous); err != nil {
			previous = nil
		}
		if err := json.Unmarshal(serialized, &detached); err != nil {
			detached = current
		}
		firings = append(firings, firing{callback: m.watchers[i].callback, previous: previous, current: detached})
		m.watchers[i].previous = serialized
	}
	m.mu.Unlock()

	for _, f := range firings {
		f.callback(f.previous, f.current)
	}
}

func cloneState(state State) State {
	clone := State{}
	if err := copier.CopyWithOption(&clone, state, copier.Option{DeepCopy: true}); err != nil {
		logger.Warn("failed to clone plugin state", "error", err)
	}
	return clone
}

func serializeProjection(projection any) []byte {
	serialized, err := json.Marshal(projection)
	if err != nil {
		return []byte(fmt.Sprintf("!unserializable:%T", projection))
	}
	return serialized
}
