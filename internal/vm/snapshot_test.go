package vm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
)

func names(t *testing.T, snaps []*Snapshot) []string {
	t.Helper()
	out := make([]string, 0, len(snaps))
	for _, s := range snaps {
		name, err := s.Name()
		require.NoError(t, err)
		out = append(out, name)
	}
	return out
}

func TestSnapshotPaths(t *testing.T) {
	v, fake := openTestVM(t)
	h := v.Handle()
	base := fake.AddSnapshot(h, native.NoHandle, "base", "")
	fake.MarkBase(base)
	a := fake.AddSnapshot(h, base, "A", "")
	fake.AddSnapshot(h, a, "B", "")

	roots, err := v.RootSnapshots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	root := roots[0]

	p, err := root.Path()
	require.NoError(t, err)
	assert.Equal(t, "", p)

	children, err := root.Children()
	require.NoError(t, err)
	require.Len(t, children, 1)
	p, err = children[0].Path()
	require.NoError(t, err)
	assert.Equal(t, "A", p)

	grandchildren, err := children[0].Children()
	require.NoError(t, err)
	require.Len(t, grandchildren, 1)
	p, err = grandchildren[0].Path()
	require.NoError(t, err)
	assert.Equal(t, "A/B", p)

	// a lookup without the cached chain resolves the same path
	named, err := v.NamedSnapshot("B")
	require.NoError(t, err)
	p, err = named.Path()
	require.NoError(t, err)
	assert.Equal(t, "A/B", p)
}

func TestSnapshotPathWithoutBase(t *testing.T) {
	v, fake := openTestVM(t)
	root := fake.AddSnapshot(v.Handle(), native.NoHandle, "clean-install", "")
	fake.AddSnapshot(v.Handle(), root, "patched", "")

	named, err := v.NamedSnapshot("patched")
	require.NoError(t, err)
	p, err := named.Path()
	require.NoError(t, err)
	assert.Equal(t, "clean-install/patched", p)

	parent, err := named.Parent()
	require.NoError(t, err)
	require.NotNil(t, parent)
	grand, err := parent.Parent()
	require.NoError(t, err)
	assert.Nil(t, grand)
}

func TestSnapshotChildrenAreCached(t *testing.T) {
	v, fake := openTestVM(t)
	root := fake.AddSnapshot(v.Handle(), native.NoHandle, "root", "")
	fake.AddSnapshot(v.Handle(), root, "one", "")

	roots, err := v.RootSnapshots()
	require.NoError(t, err)
	first, err := roots[0].Children()
	require.NoError(t, err)

	fake.AddSnapshot(v.Handle(), root, "two", "")
	cached, err := roots[0].Children()
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Same(t, first[0], cached[0])

	roots[0].Refresh()
	fresh, err := roots[0].Children()
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, names(t, fresh))

	parent, err := fresh[0].Parent()
	require.NoError(t, err)
	assert.Same(t, roots[0], parent)
}

func TestSnapshotRemoveEvictsFromParent(t *testing.T) {
	v, fake := openTestVM(t)
	h := v.Handle()
	root := fake.AddSnapshot(h, native.NoHandle, "root", "")
	doomed := fake.AddSnapshot(h, root, "doomed", "")
	fake.AddSnapshot(h, root, "keep", "")
	fake.AddSnapshot(h, doomed, "orphan", "")

	roots, err := v.RootSnapshots()
	require.NoError(t, err)
	parent := roots[0]
	children, err := parent.Children()
	require.NoError(t, err)
	require.Equal(t, []string{"doomed", "keep"}, names(t, children))
	node := children[0]
	orphans, err := node.Children()
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	require.NoError(t, node.Remove(0, 0))
	assert.False(t, fake.SnapshotExists(doomed))

	cached, err := parent.Children()
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, names(t, cached))

	_, err = node.Parent()
	assert.ErrorIs(t, err, ErrSnapshotRemoved)
	_, err = node.Children()
	assert.ErrorIs(t, err, ErrSnapshotRemoved)

	parent.Refresh()
	fresh, err := parent.Children()
	require.NoError(t, err)
	assert.NotContains(t, names(t, fresh), "doomed")
	assert.ElementsMatch(t, []string{"keep", "orphan"}, names(t, fresh))
}

func TestSnapshotRemoveWithChildren(t *testing.T) {
	v, fake := openTestVM(t)
	h := v.Handle()
	root := fake.AddSnapshot(h, native.NoHandle, "root", "")
	branch := fake.AddSnapshot(h, root, "branch", "")
	leaf := fake.AddSnapshot(h, branch, "leaf", "")

	node, err := v.NamedSnapshot("branch")
	require.NoError(t, err)
	require.NoError(t, node.RemoveAsync(native.RemoveSnapshotChildren, 0).Err())

	assert.False(t, fake.SnapshotExists(branch))
	assert.False(t, fake.SnapshotExists(leaf))
	assert.True(t, fake.SnapshotExists(root))
}

func TestCreateRevertAndCurrent(t *testing.T) {
	v, _ := openTestVM(t)
	require.NoError(t, v.PowerOn(0))

	first, err := v.CreateSnapshot("first", "before upgrade", native.SnapshotIncludeMemory)
	require.NoError(t, err)
	desc, err := first.Description()
	require.NoError(t, err)
	assert.Equal(t, "before upgrade", desc)
	state, err := first.PowerState()
	require.NoError(t, err)
	assert.Equal(t, native.PowerStatePoweredOn, state)

	require.NoError(t, v.PowerOff(0))
	second, err := v.CreateSnapshot("", "", 0)
	require.NoError(t, err)
	name, err := second.Name()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "snapshot-"), "generated name %q", name)

	p, err := second.Path()
	require.NoError(t, err)
	assert.Equal(t, "first/"+name, p)

	require.NoError(t, first.Revert(0, 0))
	current, err := v.CurrentSnapshot()
	require.NoError(t, err)
	assert.Equal(t, first.Handle(), current.Handle())
	powerState, err := v.PowerState()
	require.NoError(t, err)
	assert.Equal(t, native.PowerStatePoweredOn, powerState)

	require.NoError(t, first.Revert(native.RevertSuppressPowerOn, 0))
	powerState, err = v.PowerState()
	require.NoError(t, err)
	assert.Equal(t, native.PowerStatePoweredOff, powerState)
}

func TestSnapshotLookupFailures(t *testing.T) {
	v, _ := openTestVM(t)

	_, err := v.NamedSnapshot("nope")
	assert.True(t, job.IsCode(err, native.CodeSnapshotNotFound), "got %v", err)

	_, err = v.CurrentSnapshot()
	assert.True(t, job.IsCode(err, native.CodeSnapshotNotFound), "got %v", err)

	roots, err := v.RootSnapshots()
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func TestSnapshotHandlesAreReleased(t *testing.T) {
	v, fake := openTestVM(t)
	h := v.Handle()
	root := fake.AddSnapshot(h, native.NoHandle, "root", "")
	doomed := fake.AddSnapshot(h, root, "doomed", "")
	keep := fake.AddSnapshot(h, root, "keep", "")

	roots, err := v.RootSnapshots()
	require.NoError(t, err)
	parent := roots[0]
	children, err := parent.Children()
	require.NoError(t, err)
	require.Equal(t, []string{"doomed", "keep"}, names(t, children))

	require.NoError(t, children[0].Remove(0, 0))
	assert.Equal(t, 1, fake.ReleaseCount(doomed))
	assert.Zero(t, fake.ReleaseCount(keep))

	parent.Refresh()
	assert.Equal(t, 1, fake.ReleaseCount(keep))
	_, err = children[1].Children()
	assert.ErrorIs(t, err, ErrSnapshotReleased)
	assert.Zero(t, fake.ReleaseCount(root))

	parent.Refresh()
	assert.Equal(t, 1, fake.ReleaseCount(keep), "nothing cached, nothing to release")

	fresh, err := parent.Children()
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, names(t, fresh))
	parent.Refresh()
	assert.Equal(t, 2, fake.ReleaseCount(keep))
}

func TestSnapshotRemoveWithChildrenReleasesSubtree(t *testing.T) {
	v, fake := openTestVM(t)
	h := v.Handle()
	root := fake.AddSnapshot(h, native.NoHandle, "root", "")
	branch := fake.AddSnapshot(h, root, "branch", "")
	leaf := fake.AddSnapshot(h, branch, "leaf", "")

	node, err := v.NamedSnapshot("branch")
	require.NoError(t, err)
	kids, err := node.Children()
	require.NoError(t, err)
	require.Len(t, kids, 1)

	require.NoError(t, node.Remove(native.RemoveSnapshotChildren, 0))
	assert.Equal(t, 1, fake.ReleaseCount(branch))
	assert.Equal(t, 1, fake.ReleaseCount(leaf))
	_, err = kids[0].Children()
	assert.ErrorIs(t, err, ErrSnapshotRemoved)
}
