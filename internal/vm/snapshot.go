package vm

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

var (
	// ErrSnapshotRemoved is returned by tree operations on a removed snapshot.
	ErrSnapshotRemoved = errors.New("snapshot has been removed")
	// ErrSnapshotReleased is returned by tree operations on a node dropped
	// from its parent's cache by Refresh.
	ErrSnapshotReleased = errors.New("snapshot node has been released")
)

// Snapshot is a node of a VM's snapshot tree. Children are owned and cached
// after the first Children call; the parent is only weakly referenced.
type Snapshot struct {
	vm     *VM
	handle native.Handle

	mu       sync.Mutex
	parent   weak.Pointer[Snapshot]
	children []*Snapshot
	loaded   bool
	info     *snapshotInfo
	// gone is set once the node gave its handle back.
	gone error
}

type snapshotInfo struct {
	name        string
	description string
	powerState  int64
}

func (v *VM) newSnapshot(handle native.Handle, parent *Snapshot) *Snapshot {
	s := &Snapshot{vm: v, handle: handle}
	if parent != nil {
		s.parent = weak.Make(parent)
	}
	return s
}

// Handle is the native handle of the snapshot.
func (s *Snapshot) Handle() native.Handle { return s.handle }

func (s *Snapshot) surface() native.Surface { return s.vm.host.surface }

func (s *Snapshot) load() (snapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info != nil {
		return *s.info, nil
	}
	ids := []native.PropertyID{
		native.PropertySnapshotDisplayName,
		native.PropertySnapshotDescription,
		native.PropertySnapshotPowerState,
	}
	values, code := s.surface().Properties(s.handle, ids...)
	if code != native.CodeOK {
		return snapshotInfo{}, fmt.Errorf("read snapshot properties: %w", s.vm.host.errorFor(code))
	}
	row, err := job.NewRow(ids, values)
	if err != nil {
		return snapshotInfo{}, err
	}
	var info snapshotInfo
	if err := row.Scan(&info.name, &info.description, &info.powerState); err != nil {
		return snapshotInfo{}, err
	}
	s.info = &info
	return info, nil
}

// Name is the display name of the snapshot.
func (s *Snapshot) Name() (string, error) {
	info, err := s.load()
	return info.name, err
}

func (s *Snapshot) Description() (string, error) {
	info, err := s.load()
	return info.description, err
}

// PowerState is the power state bitmask the VM had when the snapshot was
// taken.
func (s *Snapshot) PowerState() (int64, error) {
	info, err := s.load()
	return info.powerState, err
}

// Children returns the direct children. The first call queries the surface;
// later calls return the cache until Refresh.
func (s *Snapshot) Children() ([]*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone != nil {
		return nil, s.gone
	}
	if s.loaded {
		return slices.Clone(s.children), nil
	}

	count, code := s.surface().ChildCount(s.handle)
	if code != native.CodeOK {
		return nil, fmt.Errorf("count snapshot children: %w", s.vm.host.errorFor(code))
	}
	children := make([]*Snapshot, 0, count)
	for i := range count {
		h, code := s.surface().Child(s.handle, i)
		if code != native.CodeOK {
			return nil, fmt.Errorf("get snapshot child %d: %w", i, s.vm.host.errorFor(code))
		}
		children = append(children, s.vm.newSnapshot(h, s))
	}
	s.children = children
	s.loaded = true
	return slices.Clone(children), nil
}

// Parent returns the parent node, or nil for a root. A parent that is no
// longer referenced elsewhere is looked up again.
func (s *Snapshot) Parent() (*Snapshot, error) {
	s.mu.Lock()
	if err := s.gone; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if p := s.parent.Value(); p != nil {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	h, code := s.surface().Parent(s.handle)
	switch code {
	case native.CodeOK:
		return s.adoptParent(h), nil
	case native.CodeSnapshotNotFound, native.CodeInvalidArg:
		return nil, nil
	default:
		return nil, fmt.Errorf("get snapshot parent: %w", s.vm.host.errorFor(code))
	}
}

func (s *Snapshot) adoptParent(h native.Handle) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.parent.Value(); p != nil && p.handle == h {
		return p
	}
	p := s.vm.newSnapshot(h, nil)
	s.parent = weak.Make(p)
	return p
}

// Path joins the display names from the root down to s with "/".
//
// The surface reports "no parent" in two ways. CodeSnapshotNotFound yields
// the node's own name, CodeInvalidArg marks the base of the tree and yields
// "". Both probably mean the same thing; they are kept apart until that is
// confirmed against a real host.
func (s *Snapshot) Path() (string, error) {
	name, err := s.Name()
	if err != nil {
		return "", err
	}
	h, code := s.surface().Parent(s.handle)
	switch code {
	case native.CodeOK:
		parentPath, err := s.adoptParent(h).Path()
		if err != nil {
			return "", err
		}
		if parentPath == "" {
			return name, nil
		}
		return parentPath + "/" + name, nil
	case native.CodeSnapshotNotFound:
		return name, nil
	case native.CodeInvalidArg:
		return "", nil
	default:
		return "", fmt.Errorf("get snapshot parent: %w", s.vm.host.errorFor(code))
	}
}

// Refresh drops the cached properties and children. Dropped children give
// their handles back and must not be used afterwards.
func (s *Snapshot) Refresh() {
	s.mu.Lock()
	dropped := s.children
	s.info = nil
	s.children = nil
	s.loaded = false
	s.mu.Unlock()

	for _, c := range dropped {
		c.retire(ErrSnapshotReleased)
	}
}

// RevertAsync reverts the VM to s. options takes native.RevertSuppressPowerOn.
// A zero timeout uses Options.SnapshotTimeout. The tree is not changed.
func (s *Snapshot) RevertAsync(options int, timeout time.Duration) *task.Task[struct{}] {
	args := native.Args{Snapshot: s.handle, Options: options}
	return s.vm.execAsync(native.OpRevertToSnapshot, args, orDefault(timeout, s.vm.host.opts.SnapshotTimeout))
}

func (s *Snapshot) Revert(options int, timeout time.Duration) error {
	return s.RevertAsync(options, timeout).Err()
}

// RemoveAsync deletes s, and with native.RemoveSnapshotChildren its
// subtree. On success s is evicted from its parent's cached children; the
// parent is not re-queried, so children moved up by the removal show only
// after a Refresh of the parent.
func (s *Snapshot) RemoveAsync(options int, timeout time.Duration) *task.Task[struct{}] {
	args := native.Args{Snapshot: s.handle, Options: options}
	timeout = orDefault(timeout, s.vm.host.opts.SnapshotTimeout)
	return enqueue(s.vm, func() (struct{}, error) {
		if err := s.vm.exec(native.OpRemoveSnapshot, args, timeout); err != nil {
			return struct{}{}, err
		}
		s.detach(options&native.RemoveSnapshotChildren != 0)
		return struct{}{}, nil
	})
}

func (s *Snapshot) Remove(options int, timeout time.Duration) error {
	return s.RemoveAsync(options, timeout).Err()
}

// detach unlinks a removed node from the tree and releases its handle.
// Cached children are released too when they were removed along with it;
// otherwise they lose their parent and stay usable.
func (s *Snapshot) detach(withChildren bool) {
	s.mu.Lock()
	parent := s.parent.Value()
	children := s.children
	s.children = nil
	s.loaded = false
	s.mu.Unlock()

	for _, c := range children {
		if withChildren {
			c.retire(ErrSnapshotRemoved)
			continue
		}
		c.mu.Lock()
		c.parent = weak.Pointer[Snapshot]{}
		c.mu.Unlock()
	}
	if parent != nil {
		parent.evict(s)
	}
	s.retire(ErrSnapshotRemoved)
}

// retire marks s and its cached subtree unusable with reason and releases
// their handles. Only the first call has an effect.
func (s *Snapshot) retire(reason error) {
	s.mu.Lock()
	if s.gone != nil {
		s.mu.Unlock()
		return
	}
	s.gone = reason
	children := s.children
	s.parent = weak.Pointer[Snapshot]{}
	s.children = nil
	s.loaded = false
	s.mu.Unlock()

	for _, c := range children {
		c.retire(reason)
	}
	s.surface().Release(s.handle)
}

func (s *Snapshot) evict(child *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = slices.DeleteFunc(s.children, func(c *Snapshot) bool { return c == child })
}

// RootSnapshots returns the snapshots without a parent.
func (v *VM) RootSnapshots() ([]*Snapshot, error) {
	count, code := v.host.surface.RootSnapshotCount(v.handle)
	if code != native.CodeOK {
		return nil, fmt.Errorf("vm %s: count root snapshots: %w", v.name, v.host.errorFor(code))
	}
	roots := make([]*Snapshot, 0, count)
	for i := range count {
		h, code := v.host.surface.RootSnapshot(v.handle, i)
		if code != native.CodeOK {
			return nil, fmt.Errorf("vm %s: get root snapshot %d: %w", v.name, i, v.host.errorFor(code))
		}
		roots = append(roots, v.newSnapshot(h, nil))
	}
	return roots, nil
}

// CurrentSnapshot returns the snapshot the VM is running from.
func (v *VM) CurrentSnapshot() (*Snapshot, error) {
	h, code := v.host.surface.CurrentSnapshot(v.handle)
	if code != native.CodeOK {
		return nil, fmt.Errorf("vm %s: current snapshot: %w", v.name, v.host.errorFor(code))
	}
	return v.newSnapshot(h, nil), nil
}

// NamedSnapshot finds a snapshot by display name.
func (v *VM) NamedSnapshot(name string) (*Snapshot, error) {
	h, code := v.host.surface.NamedSnapshot(v.handle, name)
	if code != native.CodeOK {
		return nil, fmt.Errorf("vm %s: snapshot %q: %w", v.name, name, v.host.errorFor(code))
	}
	return v.newSnapshot(h, nil), nil
}

// CreateSnapshotAsync takes a snapshot below the current one. An empty name
// is replaced by a generated one. options takes native.SnapshotIncludeMemory
// and native.SnapshotQuiesce.
func (v *VM) CreateSnapshotAsync(name, description string, options int) *task.Task[*Snapshot] {
	if name == "" {
		name = "snapshot-" + uuid.NewString()
	}
	args := native.Args{Name: name, Description: description, Options: options}
	return enqueue(v, func() (*Snapshot, error) {
		j, err := v.start(native.OpCreateSnapshot, args)
		if err != nil {
			return nil, err
		}
		h, err := job.WaitValue[native.Handle](j, native.PropertyJobResultHandle, v.host.opts.SnapshotTimeout)
		if err != nil {
			return nil, err
		}
		v.logger.Info("snapshot created", "snapshot", name)
		return v.newSnapshot(h, nil), nil
	})
}

func (v *VM) CreateSnapshot(name, description string, options int) (*Snapshot, error) {
	return v.CreateSnapshotAsync(name, description, options).Result()
}
