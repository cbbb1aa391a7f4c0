package posegraph

import (
	"math"
	"testing"
	"time"

	"github.com/banshee-data/spatialsync/internal/spatial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestUpsert_RejectsCycles(t *testing.T) {
	b := New().Edit()
	mustUpsert(t, b, "a", RootFixed, pose(0, 0, 0))
	mustUpsert(t, b, "b", "a", pose(1, 0, 0))
	mustUpsert(t, b, "c", "b", pose(1, 0, 0))

	err := b.Upsert("a", Sample{Frame: "c", Pose: spatial.Identity()}, Meta{})
	assert.ErrorIs(t, err, ErrFrameCycle)

	err = b.Upsert("a", Sample{Frame: "a", Pose: spatial.Identity()}, Meta{})
	assert.ErrorIs(t, err, ErrFrameCycle)

	// The rejected definition left a untouched.
	e, ok := b.Entity("a")
	require.True(t, ok)
	assert.Equal(t, RootFixed, e.Frame())
}

func TestUpsert_InvalidInput(t *testing.T) {
	b := New().Edit()
	assert.ErrorIs(t, b.Upsert("", Sample{Frame: RootFixed, Pose: spatial.Identity()}, Meta{}), ErrInvalidID)
	assert.ErrorIs(t, b.Upsert(RootFixed, Sample{Frame: RootInertial, Pose: spatial.Identity()}, Meta{}), ErrInvalidID)
	assert.ErrorIs(t, b.Upsert("a", Sample{Pose: spatial.Identity()}, Meta{}), ErrInvalidID)

	bad := spatial.Pose{Position: r3.Vec{X: math.NaN()}, Orientation: spatial.IdentityQuat}
	assert.ErrorIs(t, b.Upsert("a", Sample{Frame: RootFixed, Pose: bad}, Meta{}), ErrInvalidPose)
}

func TestUpsert_CreatesReferencedFrame(t *testing.T) {
	b := New().Edit()
	mustUpsert(t, b, "tool", "workbench", pose(0, 1, 0))
	g := b.Commit()

	wb, ok := g.Entity("workbench")
	require.True(t, ok, "referenced frame should be tracked")
	assert.False(t, wb.Known)

	_, err := g.Resolve("tool", RootFixed, t0)
	assert.ErrorIs(t, err, ErrUnresolvablePose)
}

func TestUpsert_NormalisesOrientation(t *testing.T) {
	b := New().Edit()
	p := spatial.Pose{Orientation: quat.Number{Real: 1.005}}
	require.NoError(t, b.Upsert("a", Sample{Frame: RootFixed, Pose: p}, Meta{}))
	e, _ := b.Entity("a")
	assert.InDelta(t, 1.0, quat.Abs(e.Current.Pose.Orientation), 1e-12)
}

func TestCommit_CopyOnWrite(t *testing.T) {
	g1 := buildTree(t)
	b := g1.Edit()
	mustUpsert(t, b, "stage", RootFixed, pose(200, 0, 0))
	mustUpsert(t, b, "new", "stage", pose(0, 0, 0))
	g2 := b.Commit()

	s1, _ := g1.Entity("stage")
	s2, _ := g2.Entity("stage")
	assert.Equal(t, 100.0, s1.Current.Pose.Position.X, "base graph must not change")
	assert.Equal(t, 200.0, s2.Current.Pose.Position.X)
	assert.False(t, g1.Has("new"))
	assert.True(t, g2.Has("new"))
	assert.Equal(t, g1.Frame()+1, g2.Frame())
}

func TestCommit_StalePolicy(t *testing.T) {
	g1 := buildTree(t)

	b := g1.Edit()
	mustUpsert(t, b, "stage", RootFixed, pose(100, 0, 0))
	g2 := b.Commit()

	stage, _ := g2.Entity("stage")
	assert.False(t, stage.Stale)

	c, ok := g2.Entity("c")
	require.True(t, ok, "absent entities are retained")
	assert.True(t, c.Known, "stale entities keep their pose")
	assert.True(t, c.Stale)

	got, err := g2.Resolve("c", "stage", t0)
	require.NoError(t, err, "stale poses still resolve")
	assert.InDelta(t, 3.0, got.Position.Y, 1e-9)

	// Refreshing clears the flag.
	b = g2.Edit()
	mustUpsert(t, b, "c", "a", pose(2, 0, 0))
	g3 := b.Commit()
	c, _ = g3.Entity("c")
	assert.False(t, c.Stale)
}

func TestUndefine(t *testing.T) {
	g := buildTree(t)
	b := g.Edit()
	require.NoError(t, b.Undefine("a"))
	g2 := b.Commit()

	a, ok := g2.Entity("a")
	require.True(t, ok)
	assert.False(t, a.Known)
	assert.Equal(t, "", a.Frame())

	_, err := g2.Resolve("c", "stage", t0)
	assert.ErrorIs(t, err, ErrUnresolvablePose)
}

func TestValueAt_Interpolates(t *testing.T) {
	g := New()
	b := g.Edit()
	require.NoError(t, b.Upsert("mover", Sample{Frame: RootFixed, Time: t0, Pose: pose(0, 0, 0)}, Meta{}))
	g = b.Commit()

	t1 := t0.Add(time.Second)
	b = g.Edit()
	end := rotated(10, 0, 0, r3.Vec{Z: 1}, math.Pi/2)
	require.NoError(t, b.Upsert("mover", Sample{Frame: RootFixed, Time: t1, Pose: end}, Meta{}))
	g = b.Commit()

	e, _ := g.Entity("mover")
	require.NotNil(t, e.Previous)

	mid, ok := e.ValueAt(t0.Add(500 * time.Millisecond))
	require.True(t, ok)
	assert.InDelta(t, 5.0, mid.Position.X, 1e-9)
	assert.True(t, spatial.QuatApproxEqual(mid.Orientation, spatial.AxisAngle(r3.Vec{Z: 1}, math.Pi/4), 1e-9))

	before, _ := e.ValueAt(t0.Add(-time.Hour))
	assert.Equal(t, 0.0, before.Position.X)
	after, _ := e.ValueAt(t1.Add(time.Hour))
	assert.Equal(t, 10.0, after.Position.X)
	latest, _ := e.ValueAt(time.Time{})
	assert.Equal(t, 10.0, latest.Position.X)
}

func TestValueAt_FrameChangeDisablesInterpolation(t *testing.T) {
	b := New().Edit()
	require.NoError(t, b.Upsert("m", Sample{Frame: RootFixed, Time: t0, Pose: pose(0, 0, 0)}, Meta{}))
	g := b.Commit()
	b = g.Edit()
	require.NoError(t, b.Upsert("m", Sample{Frame: RootInertial, Time: t0.Add(time.Second), Pose: pose(4, 0, 0)}, Meta{}))
	g = b.Commit()

	e, _ := g.Entity("m")
	p, _ := e.ValueAt(t0.Add(500 * time.Millisecond))
	assert.Equal(t, 4.0, p.Position.X)
}

func TestUpsert_TwiceInFrameKeepsCommittedHistory(t *testing.T) {
	b := New().Edit()
	require.NoError(t, b.Upsert("s", Sample{Frame: RootFixed, Time: t0, Pose: pose(1, 0, 0)}, Meta{}))
	g := b.Commit()

	b = g.Edit()
	require.NoError(t, b.Upsert("s", Sample{Frame: RootFixed, Time: t0.Add(time.Second), Pose: pose(2, 0, 0)}, Meta{}))
	require.NoError(t, b.Upsert("s", Sample{Frame: RootFixed, Time: t0.Add(time.Second), Pose: pose(3, 0, 0)}, Meta{}))
	g = b.Commit()

	e, _ := g.Entity("s")
	require.NotNil(t, e.Previous)
	assert.Equal(t, 1.0, e.Previous.Pose.Position.X)
	assert.Equal(t, 3.0, e.Current.Pose.Position.X)
}

func TestEntities_Sorted(t *testing.T) {
	g := buildTree(t)
	ents := g.Entities()
	for i := 1; i < len(ents); i++ {
		if ents[i-1].ID >= ents[i].ID {
			t.Fatalf("entities not sorted: %s before %s", ents[i-1].ID, ents[i].ID)
		}
	}
}

func TestRefreshed(t *testing.T) {
	g := buildTree(t)

	b := g.Edit()
	mustUpsert(t, b, "a", "stage", pose(0, 1, 0))
	assert.False(t, b.Refreshed("a"), "stage was not updated this frame")
	assert.False(t, b.Refreshed("c"))
	assert.False(t, b.Refreshed("missing"))

	mustUpsert(t, b, "stage", RootFixed, pose(100, 0, 0))
	assert.True(t, b.Refreshed("stage"))
	assert.True(t, b.Refreshed("a"))
	assert.False(t, b.Refreshed("c"), "c itself was not updated")

	require.NoError(t, b.Undefine("b"))
	assert.False(t, b.Refreshed("b"))
}
