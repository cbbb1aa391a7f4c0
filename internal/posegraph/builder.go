package posegraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/spatialsync/internal/spatial"
)

// Builder accumulates the changes of one frame on top of a committed Graph.
// Entities are copied on first write so the base graph is never mutated.
// A Builder is not safe for concurrent use and must not be used after Commit.
type Builder struct {
	entities map[string]*Entity
	owned    map[string]bool
	frame    uint64
}

// Frame is the frame number the builder will commit as.
func (b *Builder) Frame() uint64 { return b.frame }

// Entity returns a copy of the in-progress entity with the given id.
func (b *Builder) Entity(id string) (Entity, bool) {
	e, ok := b.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Resolve resolves against the in-progress state, including uncommitted upserts.
func (b *Builder) Resolve(entityID, targetFrameID string, t time.Time) (spatial.Pose, error) {
	return resolve(b.entities, entityID, targetFrameID, t)
}

// writable returns a private copy of id, creating an undefined entity if needed.
func (b *Builder) writable(id string) *Entity {
	if b.owned[id] {
		return b.entities[id]
	}
	var e Entity
	if existing, ok := b.entities[id]; ok {
		e = *existing
	} else {
		e = Entity{ID: id}
	}
	b.entities[id] = &e
	b.owned[id] = true
	return &e
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	if IsRootFrame(id) {
		return fmt.Errorf("%w: %q is a root frame", ErrInvalidID, id)
	}
	return nil
}

// Ensure makes id a tracked entity without defining a pose. It is a no-op for
// existing entities.
func (b *Builder) Ensure(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if _, ok := b.entities[id]; !ok {
		b.writable(id)
	}
	return nil
}

// Upsert defines the pose of id relative to s.Frame and marks it updated in this
// frame. Referenced frames that are not yet tracked are created undefined.
// A definition that would close a reference cycle is rejected with ErrFrameCycle.
func (b *Builder) Upsert(id string, s Sample, meta Meta) error {
	if err := validateID(id); err != nil {
		return err
	}
	if strings.TrimSpace(s.Frame) == "" {
		return fmt.Errorf("%w: %q has no reference frame", ErrInvalidID, id)
	}
	if res := spatial.ValidatePose(s.Pose); !res.Valid {
		return fmt.Errorf("%w: %q: %s", ErrInvalidPose, id, strings.Join(res.Issues, "; "))
	}
	if err := b.checkCycle(id, s.Frame); err != nil {
		return err
	}

	if !IsRootFrame(s.Frame) {
		if _, ok := b.entities[s.Frame]; !ok {
			b.writable(s.Frame)
		}
	}

	s.Pose.Orientation = spatial.Normalize(s.Pose.Orientation)

	e := b.writable(id)
	if e.UpdatedFrame != b.frame {
		// First definition in this frame: the committed sample becomes history.
		if e.Known {
			prev := e.Current
			e.Previous = &prev
		} else {
			e.Previous = nil
		}
	}
	e.Current = s
	e.Meta = meta
	e.Known = true
	e.Stale = false
	e.UpdatedFrame = b.frame
	return nil
}

// Undefine clears the pose of id while keeping it tracked.
func (b *Builder) Undefine(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	e := b.writable(id)
	e.Known = false
	e.Stale = false
	e.Current = Sample{}
	e.Previous = nil
	e.Meta = Meta{}
	e.UpdatedFrame = b.frame
	return nil
}

// checkCycle walks upward from frame and fails if it reaches id.
func (b *Builder) checkCycle(id, frame string) error {
	cur := frame
	for depth := 0; ; depth++ {
		if cur == id {
			return fmt.Errorf("%w: %q -> %q", ErrFrameCycle, id, frame)
		}
		if depth >= MaxFrameDepth {
			return fmt.Errorf("%w: %q exceeds depth %d", ErrFrameCycle, id, MaxFrameDepth)
		}
		e, ok := b.entities[cur]
		if !ok || !e.Known {
			return nil
		}
		cur = e.Current.Frame
	}
}

// Refreshed reports whether id and every entity it is defined against were
// updated in this frame. Undefined or unknown ids are not refreshed.
func (b *Builder) Refreshed(id string) bool {
	chain, err := ancestry(b.entities, id)
	if err != nil {
		return false
	}
	for _, a := range chain {
		e, ok := b.entities[a]
		if !ok {
			if IsRootFrame(a) {
				continue
			}
			return false
		}
		if !e.Known || e.UpdatedFrame != b.frame {
			return false
		}
	}
	return true
}

// Commit finalises the frame. Known entities not updated in this frame keep
// their pose and are flagged stale.
func (b *Builder) Commit() *Graph {
	for id, e := range b.entities {
		if e.Known && e.UpdatedFrame != b.frame && !e.Stale {
			w := b.writable(id)
			w.Stale = true
		}
	}
	g := &Graph{entities: b.entities, frame: b.frame}
	b.entities = nil
	b.owned = nil
	return g
}
