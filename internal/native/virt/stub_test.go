package virt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	libvirt "libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

type stubConnection struct {
	domains map[string]*stubDomain
	closed  bool
}

func (c *stubConnection) LookupDomain(name string) (domain, error) {
	d, ok := c.domains[name]
	if !ok {
		return nil, libvirt.Error{Code: libvirt.ERR_NO_DOMAIN, Message: "domain not found: " + name}
	}
	return d, nil
}

func (c *stubConnection) Close() error {
	c.closed = true
	return nil
}

// execHandler answers one guest-exec call.
type execHandler func(path string, args []string, stdin []byte) (stdout string, exitCode int)

type execCall struct {
	Path  string
	Args  []string
	Stdin string
}

type snapshotData struct {
	parent      string
	description string
	state       string
}

// stubDomain models one libvirt domain with a QEMU guest agent.
type stubDomain struct {
	mu          sync.Mutex
	name        string
	state       libvirt.DomainState
	managedSave bool
	agentUp     bool
	exec        execHandler
	execs       []execCall
	statuses    map[int]guestExecStatusResult
	nextPID     int
	files       map[string][]byte
	open        map[int]*stubFile
	nextFile    int
	metadata    map[string]string
	snapshots   map[string]*snapshotData
	current     string
	screen      []byte
	freed       int
}

type stubFile struct {
	path string
	read bool
	done bool
}

func newStubDomain(name string) *stubDomain {
	return &stubDomain{
		name:      name,
		state:     libvirt.DOMAIN_SHUTOFF,
		agentUp:   true,
		statuses:  map[int]guestExecStatusResult{},
		nextPID:   100,
		files:     map[string][]byte{},
		open:      map[int]*stubFile{},
		metadata:  map[string]string{},
		snapshots: map[string]*snapshotData{},
	}
}

func (d *stubDomain) QemuAgentCommand(command string, _ libvirt.DomainQemuAgentCommandTimeout, _ uint32) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.agentUp || d.state != libvirt.DOMAIN_RUNNING {
		return "", libvirt.Error{Code: libvirt.ERR_AGENT_UNRESPONSIVE, Message: "guest agent is not responding"}
	}

	var req struct {
		Execute   string          `json:"execute"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(command), &req); err != nil {
		return "", err
	}

	var ret any
	switch req.Execute {
	case "guest-ping":
		ret = struct{}{}
	case "guest-exec":
		var args guestExecArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		stdin, _ := base64.StdEncoding.DecodeString(args.InputData)
		d.execs = append(d.execs, execCall{Path: args.Path, Args: args.Arg, Stdin: string(stdin)})
		stdout, exitCode := "", 0
		if d.exec != nil {
			stdout, exitCode = d.exec(args.Path, args.Arg, stdin)
		}
		d.nextPID++
		d.statuses[d.nextPID] = guestExecStatusResult{
			Exited:   true,
			ExitCode: exitCode,
			OutData:  base64.StdEncoding.EncodeToString([]byte(stdout)),
		}
		ret = guestExecResult{PID: d.nextPID}
	case "guest-exec-status":
		var args guestExecStatusArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		status, ok := d.statuses[args.PID]
		if !ok {
			return "", libvirt.Error{Code: libvirt.ERR_INTERNAL_ERROR, Message: "no such pid"}
		}
		ret = status
	case "guest-file-open":
		var args guestFileOpenArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		if args.Mode == "r" {
			if _, ok := d.files[args.Path]; !ok {
				return "", libvirt.Error{Code: libvirt.ERR_INTERNAL_ERROR, Message: "No such file or directory"}
			}
		} else {
			d.files[args.Path] = nil
		}
		d.nextFile++
		d.open[d.nextFile] = &stubFile{path: args.Path, read: args.Mode == "r"}
		ret = d.nextFile
	case "guest-file-read":
		var args guestFileReadArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		f := d.open[args.Handle]
		if f.done {
			ret = guestFileReadResult{EOF: true}
			break
		}
		f.done = true
		data := d.files[f.path]
		ret = guestFileReadResult{Count: len(data), Data: base64.StdEncoding.EncodeToString(data), EOF: true}
	case "guest-file-write":
		var args guestFileWriteArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		data, err := base64.StdEncoding.DecodeString(args.Data)
		if err != nil {
			return "", err
		}
		f := d.open[args.Handle]
		d.files[f.path] = append(d.files[f.path], data...)
		ret = guestFileWriteResult{Count: len(data)}
	case "guest-file-close":
		var args guestFileHandleArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		delete(d.open, args.Handle)
		ret = struct{}{}
	default:
		return "", libvirt.Error{Code: libvirt.ERR_NO_SUPPORT, Message: "unsupported agent command " + req.Execute}
	}

	payload, err := json.Marshal(map[string]any{"return": ret})
	return string(payload), err
}

func (d *stubDomain) setState(state libvirt.DomainState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *stubDomain) GetName() (string, error) { return d.name, nil }

func (d *stubDomain) GetState() (libvirt.DomainState, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, 0, nil
}

func (d *stubDomain) GetInfo() (*libvirt.DomainInfo, error) {
	return &libvirt.DomainInfo{NrVirtCpu: 2, MaxMem: 2048 * 1024}, nil
}

func (d *stubDomain) HasManagedSaveImage(uint32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.managedSave, nil
}

func (d *stubDomain) transition(from []libvirt.DomainState, to libvirt.DomainState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range from {
		if d.state == s {
			d.state = to
			return nil
		}
	}
	return libvirt.Error{Code: libvirt.ERR_OPERATION_INVALID, Message: fmt.Sprintf("domain is in state %d", d.state)}
}

func (d *stubDomain) Create() error {
	d.mu.Lock()
	d.managedSave = false
	d.mu.Unlock()
	return d.transition([]libvirt.DomainState{libvirt.DOMAIN_SHUTOFF}, libvirt.DOMAIN_RUNNING)
}

func (d *stubDomain) Shutdown() error {
	return d.transition([]libvirt.DomainState{libvirt.DOMAIN_RUNNING}, libvirt.DOMAIN_SHUTOFF)
}

func (d *stubDomain) Destroy() error {
	return d.transition([]libvirt.DomainState{libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_PAUSED}, libvirt.DOMAIN_SHUTOFF)
}

func (d *stubDomain) Reset(uint32) error {
	return d.transition([]libvirt.DomainState{libvirt.DOMAIN_RUNNING}, libvirt.DOMAIN_RUNNING)
}

func (d *stubDomain) Suspend() error {
	return d.transition([]libvirt.DomainState{libvirt.DOMAIN_RUNNING}, libvirt.DOMAIN_PAUSED)
}

func (d *stubDomain) Resume() error {
	return d.transition([]libvirt.DomainState{libvirt.DOMAIN_PAUSED}, libvirt.DOMAIN_RUNNING)
}

func (d *stubDomain) ManagedSave(libvirt.DomainSaveRestoreFlags) error {
	if err := d.transition([]libvirt.DomainState{libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_PAUSED}, libvirt.DOMAIN_SHUTOFF); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.managedSave = true
	return nil
}

func metadataKey(uri string, flags libvirt.DomainModificationImpact) string {
	return fmt.Sprintf("%d|%s", flags, uri)
}

func (d *stubDomain) SetMetadata(_ libvirt.DomainMetadataType, content, _, uri string, flags libvirt.DomainModificationImpact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata[metadataKey(uri, flags)] = content
	return nil
}

func (d *stubDomain) GetMetadata(_ libvirt.DomainMetadataType, uri string, flags libvirt.DomainModificationImpact) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.metadata[metadataKey(uri, flags)]
	if !ok {
		return "", libvirt.Error{Code: libvirt.ERR_NO_DOMAIN_METADATA, Message: "metadata not found"}
	}
	return content, nil
}

func (d *stubDomain) CaptureScreen() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.screen...), nil
}

func (d *stubDomain) stateName() string {
	switch d.state {
	case libvirt.DOMAIN_RUNNING:
		return "running"
	case libvirt.DOMAIN_PAUSED:
		return "paused"
	default:
		return "shutoff"
	}
}

func (d *stubDomain) CreateSnapshot(doc string, _ libvirt.DomainSnapshotCreateFlags) (snapshot, error) {
	var def libvirtxml.DomainSnapshot
	if err := def.Unmarshal(doc); err != nil {
		return nil, libvirt.Error{Code: libvirt.ERR_INVALID_ARG, Message: err.Error()}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.snapshots[def.Name]; ok {
		return nil, libvirt.Error{Code: libvirt.ERR_OPERATION_INVALID, Message: "snapshot exists"}
	}
	d.snapshots[def.Name] = &snapshotData{parent: d.current, description: def.Description, state: d.stateName()}
	d.current = def.Name
	return &stubSnapshot{d: d, name: def.Name}, nil
}

func (d *stubDomain) CurrentSnapshot() (snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == "" {
		return nil, libvirt.Error{Code: libvirt.ERR_NO_DOMAIN_SNAPSHOT, Message: "no current snapshot"}
	}
	return &stubSnapshot{d: d, name: d.current}, nil
}

func (d *stubDomain) LookupSnapshot(name string) (snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.snapshots[name]; !ok {
		return nil, libvirt.Error{Code: libvirt.ERR_NO_DOMAIN_SNAPSHOT, Message: "no snapshot " + name}
	}
	return &stubSnapshot{d: d, name: name}, nil
}

func (d *stubDomain) RootSnapshots() ([]snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.childrenOf(""), nil
}

// childrenOf lists snapshots whose parent is name. d.mu must be held.
func (d *stubDomain) childrenOf(name string) []snapshot {
	var names []string
	for n, data := range d.snapshots {
		if data.parent == name {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	out := make([]snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, &stubSnapshot{d: d, name: n})
	}
	return out
}

func (d *stubDomain) Free() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freed++
	return nil
}

type stubSnapshot struct {
	d    *stubDomain
	name string
}

func (s *stubSnapshot) data() (*snapshotData, error) {
	data, ok := s.d.snapshots[s.name]
	if !ok {
		return nil, libvirt.Error{Code: libvirt.ERR_NO_DOMAIN_SNAPSHOT, Message: "no snapshot " + s.name}
	}
	return data, nil
}

func (s *stubSnapshot) GetName() (string, error) { return s.name, nil }

func (s *stubSnapshot) GetXMLDesc(libvirt.DomainSnapshotXMLFlags) (string, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	data, err := s.data()
	if err != nil {
		return "", err
	}
	def := libvirtxml.DomainSnapshot{Name: s.name, Description: data.description, State: data.state}
	return def.Marshal()
}

func (s *stubSnapshot) Parent() (snapshot, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	data, err := s.data()
	if err != nil {
		return nil, err
	}
	if data.parent == "" {
		return nil, libvirt.Error{Code: libvirt.ERR_NO_DOMAIN_SNAPSHOT, Message: "snapshot has no parent"}
	}
	return &stubSnapshot{d: s.d, name: data.parent}, nil
}

func (s *stubSnapshot) Children() ([]snapshot, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, err := s.data(); err != nil {
		return nil, err
	}
	return s.d.childrenOf(s.name), nil
}

func (s *stubSnapshot) Delete(flags libvirt.DomainSnapshotDeleteFlags) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	data, err := s.data()
	if err != nil {
		return err
	}
	var drop func(name string)
	drop = func(name string) {
		for n, child := range s.d.snapshots {
			if child.parent == name {
				if flags&libvirt.DOMAIN_SNAPSHOT_DELETE_CHILDREN != 0 {
					drop(n)
				} else {
					child.parent = data.parent
				}
			}
		}
		delete(s.d.snapshots, name)
	}
	drop(s.name)
	if _, ok := s.d.snapshots[s.d.current]; !ok {
		s.d.current = data.parent
	}
	return nil
}

func (s *stubSnapshot) RevertToSnapshot(flags libvirt.DomainSnapshotRevertFlags) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	data, err := s.data()
	if err != nil {
		return err
	}
	s.d.current = s.name
	switch {
	case data.state == "running" && flags&libvirt.DOMAIN_SNAPSHOT_REVERT_PAUSED != 0:
		s.d.state = libvirt.DOMAIN_PAUSED
	case data.state == "running":
		s.d.state = libvirt.DOMAIN_RUNNING
	default:
		s.d.state = libvirt.DOMAIN_SHUTOFF
	}
	return nil
}

func (s *stubSnapshot) Free() error { return nil }
