package virt

import (
	"path"

	libvirt "libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/cochaviz/vmauto/internal/native"
)

// snapshotHandle returns the handle for snap, reusing an existing handle
// for the same snapshot name. It takes ownership of snap.
func (s *Surface) snapshotHandle(vm *vmObject, snap snapshot) (native.Handle, native.Code) {
	name, err := snap.GetName()
	if err != nil {
		_ = snap.Free()
		return native.NoHandle, codeFor(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey{vm: vm.handle, name: name}
	if h, ok := s.snapshots[key]; ok {
		_ = snap.Free()
		s.objects[h].(*snapshotObject).refs++
		return h, native.CodeOK
	}
	obj := &snapshotObject{vm: vm, name: name, snap: snap, refs: 1}
	obj.handle = s.alloc(obj)
	s.snapshots[key] = obj.handle
	return obj.handle, native.CodeOK
}

// nth keeps list[index] and frees the rest.
func (s *Surface) nth(vm *vmObject, list []snapshot, index int) (native.Handle, native.Code) {
	if index < 0 || index >= len(list) {
		freeSnapshots(list)
		return native.NoHandle, native.CodeInvalidArg
	}
	keep := list[index]
	for i, snap := range list {
		if i != index {
			_ = snap.Free()
		}
	}
	return s.snapshotHandle(vm, keep)
}

func freeSnapshots(list []snapshot) {
	for _, snap := range list {
		_ = snap.Free()
	}
}

func (s *Surface) RootSnapshotCount(h native.Handle) (int, native.Code) {
	vm, code := s.lookupVM(h)
	if code != native.CodeOK {
		return 0, code
	}
	roots, err := vm.dom.RootSnapshots()
	if err != nil {
		return 0, codeFor(err)
	}
	freeSnapshots(roots)
	return len(roots), native.CodeOK
}

func (s *Surface) RootSnapshot(h native.Handle, index int) (native.Handle, native.Code) {
	vm, code := s.lookupVM(h)
	if code != native.CodeOK {
		return native.NoHandle, code
	}
	roots, err := vm.dom.RootSnapshots()
	if err != nil {
		return native.NoHandle, codeFor(err)
	}
	return s.nth(vm, roots, index)
}

func (s *Surface) CurrentSnapshot(h native.Handle) (native.Handle, native.Code) {
	vm, code := s.lookupVM(h)
	if code != native.CodeOK {
		return native.NoHandle, code
	}
	snap, err := vm.dom.CurrentSnapshot()
	if err != nil {
		return native.NoHandle, codeFor(err)
	}
	return s.snapshotHandle(vm, snap)
}

// NamedSnapshot accepts a bare name or a slash separated path. libvirt
// snapshot names are unique per domain, so only the last element is used.
func (s *Surface) NamedSnapshot(h native.Handle, name string) (native.Handle, native.Code) {
	vm, code := s.lookupVM(h)
	if code != native.CodeOK {
		return native.NoHandle, code
	}
	if name == "" {
		return native.NoHandle, native.CodeInvalidArg
	}
	snap, err := vm.dom.LookupSnapshot(path.Base(name))
	if err != nil {
		return native.NoHandle, codeFor(err)
	}
	return s.snapshotHandle(vm, snap)
}

func (s *Surface) ChildCount(h native.Handle) (int, native.Code) {
	obj, code := s.lookupSnapshot(h)
	if code != native.CodeOK {
		return 0, code
	}
	children, err := obj.snap.Children()
	if err != nil {
		return 0, codeFor(err)
	}
	freeSnapshots(children)
	return len(children), native.CodeOK
}

func (s *Surface) Child(h native.Handle, index int) (native.Handle, native.Code) {
	obj, code := s.lookupSnapshot(h)
	if code != native.CodeOK {
		return native.NoHandle, code
	}
	children, err := obj.snap.Children()
	if err != nil {
		return native.NoHandle, codeFor(err)
	}
	return s.nth(obj.vm, children, index)
}

// Parent reports CodeSnapshotNotFound for root snapshots. libvirt has no
// base snapshot above the roots.
func (s *Surface) Parent(h native.Handle) (native.Handle, native.Code) {
	obj, code := s.lookupSnapshot(h)
	if code != native.CodeOK {
		return native.NoHandle, code
	}
	parent, err := obj.snap.Parent()
	if err != nil {
		return native.NoHandle, codeFor(err)
	}
	return s.snapshotHandle(obj.vm, parent)
}

func (s *Surface) snapshotProperties(obj *snapshotObject, ids []native.PropertyID) ([]native.Value, native.Code) {
	var def *libvirtxml.DomainSnapshot
	describe := func() (*libvirtxml.DomainSnapshot, native.Code) {
		if def != nil {
			return def, native.CodeOK
		}
		doc, err := obj.snap.GetXMLDesc(0)
		if err != nil {
			return nil, codeFor(err)
		}
		def = &libvirtxml.DomainSnapshot{}
		if err := def.Unmarshal(doc); err != nil {
			return nil, native.CodeSnapshotInvalid
		}
		return def, native.CodeOK
	}

	values := make([]native.Value, 0, len(ids))
	for _, id := range ids {
		switch id {
		case native.PropertySnapshotDisplayName:
			values = append(values, native.StringValue(obj.name))
		case native.PropertySnapshotDescription:
			d, code := describe()
			if code != native.CodeOK {
				return nil, code
			}
			values = append(values, native.StringValue(d.Description))
		case native.PropertySnapshotPowerState:
			d, code := describe()
			if code != native.CodeOK {
				return nil, code
			}
			values = append(values, native.IntValue(snapshotPowerState(d.State)))
		default:
			return nil, native.CodeUnrecognizedProperty
		}
	}
	return values, native.CodeOK
}

func snapshotPowerState(state string) int64 {
	switch state {
	case "running", "blocked":
		return native.PowerStatePoweredOn
	case "paused":
		return native.PowerStatePaused
	case "pmsuspended":
		return native.PowerStateSuspended
	case "shutoff", "shutdown", "crashed", "disk-snapshot":
		return native.PowerStatePoweredOff
	default:
		return 0
	}
}

// snapshotXML renders the definition passed to virDomainSnapshotCreateXML.
// Without SnapshotIncludeMemory only disk state is captured.
func snapshotXML(name, description string, options int) (string, error) {
	def := libvirtxml.DomainSnapshot{Name: name, Description: description}
	if options&native.SnapshotIncludeMemory == 0 {
		def.Memory = &libvirtxml.DomainSnapshotMemory{Snapshot: "no"}
	}
	return def.Marshal()
}

func (s *Surface) createSnapshot(vm *vmObject, args native.Args) result {
	if args.Name == "" {
		return failed(codeErrorf(native.CodeInvalidArg, "snapshot name is required"))
	}
	doc, err := snapshotXML(args.Name, args.Description, args.Options)
	if err != nil {
		return failed(err)
	}
	var flags libvirt.DomainSnapshotCreateFlags
	if args.Options&native.SnapshotQuiesce != 0 {
		flags |= libvirt.DOMAIN_SNAPSHOT_CREATE_QUIESCE
	}
	snap, err := vm.dom.CreateSnapshot(doc, flags)
	if err != nil {
		return failed(err)
	}
	h, code := s.snapshotHandle(vm, snap)
	if code != native.CodeOK {
		return result{code: code}
	}
	s.logger.Debug("created snapshot", "vm", vm.name, "snapshot", args.Name)
	return handleResult(h)
}

func (s *Surface) snapshotOf(vm *vmObject, h native.Handle) (*snapshotObject, error) {
	obj, code := s.lookupSnapshot(h)
	if code != native.CodeOK {
		return nil, codeErrorf(native.CodeSnapshotNotFound, "unknown snapshot handle %d", uint64(h))
	}
	if obj.vm != vm {
		return nil, codeErrorf(native.CodeInvalidArg, "snapshot %s belongs to another vm", obj.name)
	}
	return obj, nil
}

func (s *Surface) removeSnapshot(vm *vmObject, args native.Args) result {
	obj, err := s.snapshotOf(vm, args.Snapshot)
	if err != nil {
		return failed(err)
	}
	var flags libvirt.DomainSnapshotDeleteFlags
	if args.Options&native.RemoveSnapshotChildren != 0 {
		flags |= libvirt.DOMAIN_SNAPSHOT_DELETE_CHILDREN
	}
	if err := obj.snap.Delete(flags); err != nil {
		return failed(err)
	}

	// Children deleted along with obj keep their handles until released;
	// dropping every name mapping of the vm makes later lookups fresh.
	s.mu.Lock()
	for key := range s.snapshots {
		if key.vm == vm.handle && (key.name == obj.name || flags != 0) {
			delete(s.snapshots, key)
		}
	}
	s.mu.Unlock()
	return result{}
}

func (s *Surface) revertToSnapshot(vm *vmObject, args native.Args) result {
	obj, err := s.snapshotOf(vm, args.Snapshot)
	if err != nil {
		return failed(err)
	}
	var flags libvirt.DomainSnapshotRevertFlags
	if args.Options&native.RevertSuppressPowerOn != 0 {
		flags |= libvirt.DOMAIN_SNAPSHOT_REVERT_PAUSED
	}
	s.setSession(vm, nil)
	if err := obj.snap.RevertToSnapshot(flags); err != nil {
		return failed(err)
	}
	if flags == 0 {
		return result{}
	}
	state, _, err := vm.dom.GetState()
	if err != nil {
		return failed(err)
	}
	if state == libvirt.DOMAIN_PAUSED {
		return failed(vm.dom.Destroy())
	}
	return result{}
}
