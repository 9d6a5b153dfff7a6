package nativetest

import (
	"path"
	"strings"
	"time"

	"github.com/cochaviz/vmauto/internal/native"
)

// VM is the in-memory model of one virtual machine.
type VM struct {
	Name       string
	PowerState int64
	ToolsUp    bool
	LoggedIn   bool
	Username   string
	ExitCode   int64

	handle    native.Handle
	files     map[string]*fsEntry
	processes []*Process
	vars      map[native.VariableClass]map[string]string
	roots     []*Snapshot
	current   *Snapshot
}

// Process is a guest process known to the fake.
type Process struct {
	PID       uint64
	Name      string
	Owner     string
	Command   string
	StartTime time.Time
	Debugged  bool
	ExitCode  int64
}

// Snapshot is a node of a VM's snapshot tree.
type Snapshot struct {
	Name        string
	Description string
	PowerState  int64

	handle   native.Handle
	vm       *VM
	parent   *Snapshot
	children []*Snapshot
	base     bool
}

// Handle is the native handle of the snapshot.
func (s *Snapshot) Handle() native.Handle { return s.handle }

type fsEntry struct {
	dir     bool
	data    []byte
	modTime time.Time
}

func (vm *VM) properties() map[native.PropertyID]native.Value {
	tools := native.ToolsStateNotRunning
	if vm.ToolsUp {
		tools = native.ToolsStateRunning
	}
	return map[native.PropertyID]native.Value{
		native.PropertyVMName:         native.StringValue(vm.Name),
		native.PropertyVMPowerState:   native.IntValue(vm.PowerState),
		native.PropertyVMToolsState:   native.IntValue(tools),
		native.PropertyVMNumVCPUs:     native.IntValue(1),
		native.PropertyVMMemorySizeMB: native.IntValue(1024),
	}
}

func (s *Snapshot) properties() map[native.PropertyID]native.Value {
	return map[native.PropertyID]native.Value{
		native.PropertySnapshotDisplayName: native.StringValue(s.Name),
		native.PropertySnapshotDescription: native.StringValue(s.Description),
		native.PropertySnapshotPowerState:  native.IntValue(s.PowerState),
	}
}

func cleanGuestPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func (vm *VM) mkdirAll(p string) {
	p = cleanGuestPath(p)
	for cur := p; ; cur = path.Dir(cur) {
		if _, ok := vm.files[cur]; !ok {
			vm.files[cur] = &fsEntry{dir: true, modTime: time.Unix(1700000000, 0)}
		}
		if cur == "/" {
			return
		}
	}
}

// children lists the direct entries of dir, sorted by name.
func (vm *VM) children(dir string) []string {
	dir = cleanGuestPath(dir)
	var names []string
	for p := range vm.files {
		if p != "/" && path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	return sortedKeys(toSet(names))
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (vm *VM) removeTree(p string) {
	p = cleanGuestPath(p)
	for candidate := range vm.files {
		if candidate == p || strings.HasPrefix(candidate, p+"/") {
			delete(vm.files, candidate)
		}
	}
}

// AddDir creates dir and its parents in vm's guest filesystem.
func (f *Fake) AddDir(vm native.Handle, dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[vm].(*VM).mkdirAll(dir)
}

// AddFile creates a file with data, creating parent directories.
func (f *Fake) AddFile(vm native.Handle, file string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model := f.objects[vm].(*VM)
	file = cleanGuestPath(file)
	model.mkdirAll(path.Dir(file))
	model.files[file] = &fsEntry{data: data, modTime: time.Unix(1700000000, 0)}
}

// ReadFile returns the content of a guest file, if present.
func (f *Fake) ReadFile(vm native.Handle, file string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.objects[vm].(*VM).files[cleanGuestPath(file)]
	if !ok || entry.dir {
		return nil, false
	}
	return entry.data, true
}

// AddProcess registers a running guest process.
func (f *Fake) AddProcess(vm native.Handle, p Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model := f.objects[vm].(*VM)
	proc := p
	model.processes = append(model.processes, &proc)
}

// AddSnapshot creates a snapshot under parent, or a root snapshot when
// parent is NoHandle, and returns its handle.
func (f *Fake) AddSnapshot(vm native.Handle, parent native.Handle, name, description string) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	model := f.objects[vm].(*VM)
	snap := &Snapshot{Name: name, Description: description, PowerState: model.PowerState, vm: model}
	snap.handle = f.alloc(snap)
	if parent == native.NoHandle {
		model.roots = append(model.roots, snap)
	} else {
		p := f.objects[parent].(*Snapshot)
		snap.parent = p
		p.children = append(p.children, snap)
	}
	model.current = snap
	return snap.handle
}

// MarkBase makes Parent on h report CodeInvalidArg, as the native surface
// does for the base of the snapshot tree.
func (f *Fake) MarkBase(h native.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[h].(*Snapshot).base = true
}

// SnapshotExists reports whether h still refers to a snapshot in the tree.
func (f *Fake) SnapshotExists(h native.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[h].(*Snapshot)
	return ok
}

func (f *Fake) RootSnapshotCount(vm native.Handle) (int, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model, ok := f.objects[vm].(*VM)
	if !ok {
		return 0, native.CodeInvalidHandle
	}
	return len(model.roots), native.CodeOK
}

func (f *Fake) RootSnapshot(vm native.Handle, index int) (native.Handle, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model, ok := f.objects[vm].(*VM)
	if !ok {
		return native.NoHandle, native.CodeInvalidHandle
	}
	if index < 0 || index >= len(model.roots) {
		return native.NoHandle, native.CodeInvalidArg
	}
	return model.roots[index].handle, native.CodeOK
}

func (f *Fake) CurrentSnapshot(vm native.Handle) (native.Handle, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model, ok := f.objects[vm].(*VM)
	if !ok {
		return native.NoHandle, native.CodeInvalidHandle
	}
	if model.current == nil {
		return native.NoHandle, native.CodeSnapshotNotFound
	}
	return model.current.handle, native.CodeOK
}

func (f *Fake) NamedSnapshot(vm native.Handle, name string) (native.Handle, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model, ok := f.objects[vm].(*VM)
	if !ok {
		return native.NoHandle, native.CodeInvalidHandle
	}
	var found *Snapshot
	var walk func([]*Snapshot)
	walk = func(nodes []*Snapshot) {
		for _, n := range nodes {
			if found != nil {
				return
			}
			if n.Name == name {
				found = n
				return
			}
			walk(n.children)
		}
	}
	walk(model.roots)
	if found == nil {
		return native.NoHandle, native.CodeSnapshotNotFound
	}
	return found.handle, native.CodeOK
}

func (f *Fake) snapshot(h native.Handle) (*Snapshot, native.Code) {
	snap, ok := f.objects[h].(*Snapshot)
	if !ok {
		return nil, native.CodeInvalidHandle
	}
	return snap, native.CodeOK
}

func (f *Fake) ChildCount(h native.Handle) (int, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, code := f.snapshot(h)
	if code != native.CodeOK {
		return 0, code
	}
	return len(snap.children), native.CodeOK
}

func (f *Fake) Child(h native.Handle, index int) (native.Handle, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, code := f.snapshot(h)
	if code != native.CodeOK {
		return native.NoHandle, code
	}
	if index < 0 || index >= len(snap.children) {
		return native.NoHandle, native.CodeInvalidArg
	}
	return snap.children[index].handle, native.CodeOK
}

func (f *Fake) Parent(h native.Handle) (native.Handle, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, code := f.snapshot(h)
	if code != native.CodeOK {
		return native.NoHandle, native.CodeInvalidArg
	}
	if snap.base {
		return native.NoHandle, native.CodeInvalidArg
	}
	if snap.parent == nil {
		return native.NoHandle, native.CodeSnapshotNotFound
	}
	return snap.parent.handle, native.CodeOK
}

// removeSnapshot detaches snap from the tree. Without withChildren its
// children move to snap's parent, or become roots.
func (f *Fake) removeSnapshot(snap *Snapshot, withChildren bool) {
	vm := snap.vm
	siblings := &vm.roots
	if snap.parent != nil {
		siblings = &snap.parent.children
	}
	for i, s := range *siblings {
		if s == snap {
			*siblings = append((*siblings)[:i:i], (*siblings)[i+1:]...)
			break
		}
	}
	if withChildren {
		var drop func(*Snapshot)
		drop = func(n *Snapshot) {
			for _, c := range n.children {
				drop(c)
			}
			delete(f.objects, n.handle)
		}
		for _, c := range snap.children {
			drop(c)
		}
	} else {
		for _, c := range snap.children {
			c.parent = snap.parent
			*siblings = append(*siblings, c)
		}
	}
	if vm.current == snap {
		vm.current = snap.parent
	}
	delete(f.objects, snap.handle)
}
