package posegraph

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/spatialsync/internal/spatial"
)

// Graph is an immutable, committed set of entities.
type Graph struct {
	entities map[string]*Entity
	frame    uint64
}

// New returns an empty graph at frame 0.
func New() *Graph {
	return &Graph{entities: make(map[string]*Entity)}
}

// Seed returns a frame 0 graph tracking ids with undefined poses.
func Seed(ids ...string) (*Graph, error) {
	g := New()
	for _, id := range ids {
		if err := validateID(id); err != nil {
			return nil, err
		}
		g.entities[id] = &Entity{ID: id}
	}
	return g, nil
}

// Frame is the number of commits that produced this graph.
func (g *Graph) Frame() uint64 { return g.frame }

// Len returns the number of tracked entities.
func (g *Graph) Len() int { return len(g.entities) }

// Has reports whether id is a tracked entity. Root frames are not entities.
func (g *Graph) Has(id string) bool {
	_, ok := g.entities[id]
	return ok
}

// Entity returns a copy of the entity with the given id.
func (g *Graph) Entity(id string) (Entity, bool) {
	e, ok := g.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Entities returns copies of all entities ordered by id.
func (g *Graph) Entities() []Entity {
	out := make([]Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve returns the pose of entityID expressed in targetFrameID at t.
//
// Errors wrap ErrUnknownEntity when either id is neither an entity nor a root
// frame, and ErrUnresolvablePose when the two share no common ancestor or a pose
// on either path is undefined. Resolve never creates entities.
func (g *Graph) Resolve(entityID, targetFrameID string, t time.Time) (spatial.Pose, error) {
	return resolve(g.entities, entityID, targetFrameID, t)
}

// Ancestry returns the reference-frame chain of id, starting with id itself and
// ending at a root frame or at the first entity whose pose is undefined.
func (g *Graph) Ancestry(id string) ([]string, error) {
	if err := checkID(g.entities, id); err != nil {
		return nil, err
	}
	return ancestry(g.entities, id)
}

// Edit starts the next frame. The receiver is left untouched.
func (g *Graph) Edit() *Builder {
	entities := make(map[string]*Entity, len(g.entities))
	for id, e := range g.entities {
		entities[id] = e
	}
	return &Builder{
		entities: entities,
		owned:    make(map[string]bool),
		frame:    g.frame + 1,
	}
}

func checkID(entities map[string]*Entity, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if IsRootFrame(id) {
		return nil
	}
	if _, ok := entities[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, id)
	}
	return nil
}

// ancestry walks upward iteratively; the depth guard doubles as cycle detection.
func ancestry(entities map[string]*Entity, id string) ([]string, error) {
	chain := []string{id}
	cur := id
	for {
		e, ok := entities[cur]
		if !ok || !e.Known {
			// Root frame or undefined entity: the walk terminates here.
			return chain, nil
		}
		next := e.Current.Frame
		if !IsRootFrame(next) {
			if _, ok := entities[next]; !ok {
				return nil, fmt.Errorf("%w: frame %q of %q: %w", ErrUnresolvablePose, next, cur, ErrUnknownEntity)
			}
		}
		if len(chain) > MaxFrameDepth {
			return nil, fmt.Errorf("%w: walking from %q", ErrFrameCycle, id)
		}
		chain = append(chain, next)
		cur = next
	}
}

// composeChain composes the local poses of chain (child first) into the pose of
// chain[0] expressed in the parent frame of the last element.
func composeChain(entities map[string]*Entity, chain []string, t time.Time) (spatial.Pose, error) {
	result := spatial.Identity()
	for _, id := range chain {
		local, ok := entities[id].ValueAt(t)
		if !ok {
			return spatial.Pose{}, fmt.Errorf("%w: %q has no pose", ErrUnresolvablePose, id)
		}
		result = spatial.Compose(local, result)
	}
	return result, nil
}

func resolve(entities map[string]*Entity, entityID, targetFrameID string, t time.Time) (spatial.Pose, error) {
	if err := checkID(entities, entityID); err != nil {
		return spatial.Pose{}, err
	}
	if err := checkID(entities, targetFrameID); err != nil {
		return spatial.Pose{}, err
	}
	if entityID == targetFrameID {
		return spatial.Identity(), nil
	}

	src, err := ancestry(entities, entityID)
	if err != nil {
		return spatial.Pose{}, err
	}
	dst, err := ancestry(entities, targetFrameID)
	if err != nil {
		return spatial.Pose{}, err
	}

	dstIndex := make(map[string]int, len(dst))
	for i, id := range dst {
		dstIndex[id] = i
	}
	srcCommon, dstCommon := -1, -1
	for i, id := range src {
		if j, ok := dstIndex[id]; ok {
			srcCommon, dstCommon = i, j
			break
		}
	}
	if srcCommon < 0 {
		return spatial.Pose{}, fmt.Errorf("%w: %q and %q share no common frame", ErrUnresolvablePose, entityID, targetFrameID)
	}

	inCommon, err := composeChain(entities, src[:srcCommon], t)
	if err != nil {
		return spatial.Pose{}, err
	}
	targetInCommon, err := composeChain(entities, dst[:dstCommon], t)
	if err != nil {
		return spatial.Pose{}, err
	}
	return spatial.Compose(spatial.Inverse(targetInCommon), inCommon), nil
}
