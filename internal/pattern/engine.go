// SPDX-License-Identifier: MIT
/*
Package pattern evaluates the active visualization pattern against the
coordinator's audio state. Patterns are small stateful objects behind a
string-keyed registry; the engine guards every tick so a broken pattern
degrades to held output, and after repeated failures to a no-op,
without ever taking the coordinator down.
*/
package pattern

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	applog "lumen/internal/log"
	"lumen/internal/protocol"
)

// NoopName is the registered name of the safe fallback pattern.
const NoopName = "noop"

// maxStrikes is how many consecutive failed ticks a pattern survives
// before demotion to noop.
const maxStrikes = 3

// Pattern produces entity updates from the current audio state. A
// pattern may keep private state across ticks; it is reset by
// constructing a fresh instance on every switch.
type Pattern interface {
	Tick(audio protocol.AudioState, dt time.Duration) []protocol.EntityUpdate
}

// Constructor builds a fresh pattern instance with clean state.
type Constructor func() Pattern

var (
	registryMu sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register adds a pattern constructor under a unique name. Called from
// init funcs at startup; duplicate names panic.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("pattern: duplicate registration of %q", name))
	}
	registry[name] = c
}

// Names lists the registered patterns, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func construct(name string) (Pattern, error) {
	registryMu.Lock()
	c, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown pattern %q", name)
	}
	return c(), nil
}

// Engine holds the active pattern and evaluates it once per render
// tick. A failing tick keeps the previous output on the wire; three
// consecutive failures demote the active pattern to noop.
type Engine struct {
	mu         sync.Mutex
	name       string
	active     Pattern
	lastOutput []protocol.EntityUpdate
	strikes    int
	failures   uint64
}

func NewEngine(initial string) (*Engine, error) {
	e := &Engine{}
	if err := e.Use(initial); err != nil {
		return nil, err
	}
	return e, nil
}

// Use switches the active pattern. The new pattern starts with fresh
// state; switching to the already-active pattern also resets it.
func (e *Engine) Use(name string) error {
	p, err := construct(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.name = name
	e.active = p
	e.lastOutput = nil
	e.strikes = 0
	e.mu.Unlock()

	applog.Infof("pattern: %q active", name)
	return nil
}

// Current returns the active pattern's name.
func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Failures reports the total number of failed ticks since startup.
func (e *Engine) Failures() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Tick evaluates the active pattern. On failure the previous output is
// returned unchanged.
func (e *Engine) Tick(audio protocol.AudioState, dt time.Duration) []protocol.EntityUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.safeTick(audio, dt)
	if err == nil {
		err = validateUpdates(out)
	}
	if err != nil {
		e.failures++
		e.strikes++
		applog.Errorf("pattern: %q tick failed (%d consecutive): %v", e.name, e.strikes, err)
		if e.strikes >= maxStrikes && e.name != NoopName {
			applog.Warnf("pattern: %q demoted to %s", e.name, NoopName)
			e.name = NoopName
			e.active = noop{}
			e.strikes = 0
		}
		return e.lastOutput
	}

	e.strikes = 0
	e.lastOutput = out
	return out
}

// safeTick converts a pattern panic into an error.
func (e *Engine) safeTick(audio protocol.AudioState, dt time.Duration) (out []protocol.EntityUpdate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern panicked: %v", r)
		}
	}()
	return e.active.Tick(audio, dt), nil
}

// validateUpdates rejects output the renderer contract forbids: empty
// ids, band indexes outside the vector, coordinates outside [0, 1], or
// non-finite numbers anywhere.
func validateUpdates(updates []protocol.EntityUpdate) error {
	for i, u := range updates {
		if u.ID == "" {
			return fmt.Errorf("update %d has an empty id", i)
		}
		if u.Band < 0 || u.Band >= protocol.NumBands {
			return fmt.Errorf("update %q band %d out of range", u.ID, u.Band)
		}
		for _, coord := range []*float64{u.X, u.Y, u.Z} {
			if coord == nil {
				continue
			}
			if math.IsNaN(*coord) || math.IsInf(*coord, 0) || *coord < 0 || *coord > 1 {
				return fmt.Errorf("update %q coordinate %f outside [0, 1]", u.ID, *coord)
			}
		}
		if u.Scale != nil && (math.IsNaN(*u.Scale) || math.IsInf(*u.Scale, 0) || *u.Scale < 0) {
			return fmt.Errorf("update %q has invalid scale", u.ID)
		}
		if u.Rotation != nil && (math.IsNaN(*u.Rotation) || math.IsInf(*u.Rotation, 0)) {
			return fmt.Errorf("update %q has invalid rotation", u.ID)
		}
	}
	return nil
}
