package virt

import (
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/vmauto/internal/native"
)

const defaultPowerTimeout = 5 * time.Minute

func (s *Surface) openVM(_ *vmObject, args native.Args) result {
	if args.Name == "" {
		return failed(codeErrorf(native.CodeInvalidArg, "vm name is required"))
	}
	s.mu.Lock()
	if h, ok := s.domains[args.Name]; ok {
		s.objects[h].(*vmObject).refs++
		s.mu.Unlock()
		return handleResult(h)
	}
	s.mu.Unlock()

	dom, err := s.conn.LookupDomain(args.Name)
	if err != nil {
		return failed(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.domains[args.Name]; ok {
		_ = dom.Free()
		s.objects[h].(*vmObject).refs++
		return handleResult(h)
	}
	vm := &vmObject{name: args.Name, dom: dom, refs: 1}
	vm.handle = s.alloc(vm)
	s.domains[args.Name] = vm.handle
	s.logger.Debug("opened domain", "vm", args.Name, "handle", uint64(vm.handle))
	return handleResult(vm.handle)
}

func handleResult(h native.Handle) result {
	return succeeded(map[native.PropertyID]native.Value{
		native.PropertyJobResultHandle: native.HandleValue(h),
	})
}

func (s *Surface) powerOn(vm *vmObject, args native.Args) result {
	state, _, err := vm.dom.GetState()
	if err != nil {
		return failed(err)
	}
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return result{}
	case libvirt.DOMAIN_PAUSED:
		return failed(vm.dom.Resume())
	}
	if err := vm.dom.Create(); err != nil {
		return failed(err)
	}
	return s.awaitState(vm, libvirt.DOMAIN_RUNNING, args.Timeout)
}

func (s *Surface) powerOff(vm *vmObject, args native.Args) result {
	s.setSession(vm, nil)
	state, _, err := vm.dom.GetState()
	if err != nil {
		return failed(err)
	}
	if state == libvirt.DOMAIN_SHUTOFF {
		return result{}
	}
	if args.Options&native.PowerOpSoft == 0 {
		return failed(vm.dom.Destroy())
	}
	if err := vm.dom.Shutdown(); err != nil {
		return failed(err)
	}
	return s.awaitState(vm, libvirt.DOMAIN_SHUTOFF, args.Timeout)
}

func (s *Surface) reset(vm *vmObject, _ native.Args) result {
	if res, ok := s.requireState(vm, libvirt.DOMAIN_RUNNING); !ok {
		return res
	}
	s.setSession(vm, nil)
	return failed(vm.dom.Reset(0))
}

// suspend saves the domain's memory to disk and stops it. The next power
// on restores the saved image.
func (s *Surface) suspend(vm *vmObject, _ native.Args) result {
	state, _, err := vm.dom.GetState()
	if err != nil {
		return failed(err)
	}
	if state != libvirt.DOMAIN_RUNNING && state != libvirt.DOMAIN_PAUSED {
		return failed(codeErrorf(native.CodeVMNotRunning, "domain %s is not running", vm.name))
	}
	s.setSession(vm, nil)
	return failed(vm.dom.ManagedSave(0))
}

func (s *Surface) pause(vm *vmObject, _ native.Args) result {
	if res, ok := s.requireState(vm, libvirt.DOMAIN_RUNNING); !ok {
		return res
	}
	return failed(vm.dom.Suspend())
}

func (s *Surface) unpause(vm *vmObject, _ native.Args) result {
	if res, ok := s.requireState(vm, libvirt.DOMAIN_PAUSED); !ok {
		return res
	}
	return failed(vm.dom.Resume())
}

func (s *Surface) waitForTools(vm *vmObject, args native.Args) result {
	if res, ok := s.requireState(vm, libvirt.DOMAIN_RUNNING); !ok {
		return res
	}
	deadline := time.Now().Add(args.Timeout)
	for {
		err := pingAgent(vm.dom)
		if err == nil {
			return result{}
		}
		if !time.Now().Before(deadline) {
			return failed(codeErrorf(native.CodeToolsNotRunning, "guest agent of %s did not respond: %v", vm.name, err))
		}
		time.Sleep(s.poll)
	}
}

// requireState fails with CodeVMNotRunning unless the domain is in want.
func (s *Surface) requireState(vm *vmObject, want libvirt.DomainState) (result, bool) {
	state, _, err := vm.dom.GetState()
	if err != nil {
		return failed(err), false
	}
	if state != want {
		return failed(codeErrorf(native.CodeVMNotRunning, "domain %s is in state %d", vm.name, state)), false
	}
	return result{}, true
}

// awaitState polls the domain until it reaches want.
func (s *Surface) awaitState(vm *vmObject, want libvirt.DomainState, timeout time.Duration) result {
	if timeout <= 0 {
		timeout = defaultPowerTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		state, _, err := vm.dom.GetState()
		if err != nil {
			return failed(err)
		}
		if state == want {
			return result{}
		}
		if !time.Now().Before(deadline) {
			return failed(codeErrorf(native.CodeTimeout, "domain %s did not reach state %d", vm.name, want))
		}
		time.Sleep(s.poll)
	}
}

func powerStateOf(state libvirt.DomainState, managedSave bool) int64 {
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return native.PowerStatePoweredOn
	case libvirt.DOMAIN_PAUSED:
		return native.PowerStatePaused
	case libvirt.DOMAIN_BLOCKED:
		return native.PowerStateBlocked
	case libvirt.DOMAIN_SHUTDOWN:
		return native.PowerStatePoweringOff
	case libvirt.DOMAIN_PMSUSPENDED:
		return native.PowerStateSuspended
	case libvirt.DOMAIN_SHUTOFF, libvirt.DOMAIN_CRASHED:
		if managedSave {
			return native.PowerStateSuspended
		}
		return native.PowerStatePoweredOff
	default:
		return 0
	}
}

func (s *Surface) vmProperties(vm *vmObject, ids []native.PropertyID) ([]native.Value, native.Code) {
	values := make([]native.Value, 0, len(ids))
	var info *libvirt.DomainInfo
	domainInfo := func() (*libvirt.DomainInfo, error) {
		if info != nil {
			return info, nil
		}
		var err error
		info, err = vm.dom.GetInfo()
		return info, err
	}

	for _, id := range ids {
		switch id {
		case native.PropertyVMName:
			values = append(values, native.StringValue(vm.name))
		case native.PropertyVMPowerState:
			state, _, err := vm.dom.GetState()
			if err != nil {
				return nil, codeFor(err)
			}
			saved := false
			if state == libvirt.DOMAIN_SHUTOFF {
				saved, _ = vm.dom.HasManagedSaveImage(0)
			}
			values = append(values, native.IntValue(powerStateOf(state, saved)))
		case native.PropertyVMToolsState:
			state, _, err := vm.dom.GetState()
			if err != nil {
				return nil, codeFor(err)
			}
			tools := native.ToolsStateNotRunning
			if state == libvirt.DOMAIN_RUNNING && pingAgent(vm.dom) == nil {
				tools = native.ToolsStateRunning
			}
			values = append(values, native.IntValue(tools))
		case native.PropertyVMNumVCPUs:
			info, err := domainInfo()
			if err != nil {
				return nil, codeFor(err)
			}
			values = append(values, native.IntValue(int64(info.NrVirtCpu)))
		case native.PropertyVMMemorySizeMB:
			info, err := domainInfo()
			if err != nil {
				return nil, codeFor(err)
			}
			values = append(values, native.IntValue(int64(info.MaxMem/1024)))
		default:
			return nil, native.CodeUnrecognizedProperty
		}
	}
	return values, native.CodeOK
}
