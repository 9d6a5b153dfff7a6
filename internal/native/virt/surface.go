// Package virt implements native.Surface on top of libvirt. Power and
// snapshot operations go through the libvirt API; guest operations go
// through the QEMU guest agent.
package virt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/vmauto/internal/logging"
	"github.com/cochaviz/vmauto/internal/native"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultPollInterval   = 500 * time.Millisecond
)

// Options tune a Surface. Zero values select the defaults.
type Options struct {
	Logger *slog.Logger
	// CommandTimeout bounds guest helper commands such as directory
	// listings.
	CommandTimeout time.Duration
	// PollInterval is the delay between guest agent status polls.
	PollInterval time.Duration
}

// Surface is a native.Surface backed by one libvirt connection.
type Surface struct {
	conn    connection
	logger  *slog.Logger
	timeout time.Duration
	poll    time.Duration

	mu        sync.Mutex
	next      native.Handle
	objects   map[native.Handle]any
	domains   map[string]native.Handle
	snapshots map[snapshotKey]native.Handle
}

var _ native.Surface = (*Surface)(nil)

// vmObject and snapshotObject handles are shared by name lookups; refs
// counts the holders and the object is freed by the last Release.
type vmObject struct {
	handle  native.Handle
	name    string
	dom     domain
	session *session
	refs    int
}

// session is the guest login of a VM. QEMU guest agent commands run with
// the agent's privileges; the session user is used to start programs.
type session struct {
	username string
}

type snapshotKey struct {
	vm   native.Handle
	name string
}

type snapshotObject struct {
	handle native.Handle
	vm     *vmObject
	name   string
	snap   snapshot
	refs   int
}

type jobObject struct {
	op     native.Operation
	done   bool
	result result
}

type result struct {
	code  native.Code
	err   error
	props map[native.PropertyID]native.Value
	rows  []map[native.PropertyID]native.Value
}

func succeeded(props map[native.PropertyID]native.Value) result {
	return result{props: props}
}

func failed(err error) result {
	return result{code: codeFor(err), err: err}
}

// Open connects to the libvirt daemon at uri.
func Open(uri string, opts Options) (*Surface, error) {
	conn, err := dial(uri)
	if err != nil {
		return nil, err
	}
	return newSurface(conn, opts), nil
}

func newSurface(conn connection, opts Options) *Surface {
	s := &Surface{
		conn:      conn,
		logger:    logging.Component(logging.Ensure(opts.Logger), "virt"),
		timeout:   opts.CommandTimeout,
		poll:      opts.PollInterval,
		objects:   map[native.Handle]any{},
		domains:   map[string]native.Handle{},
		snapshots: map[snapshotKey]native.Handle{},
	}
	if s.timeout <= 0 {
		s.timeout = defaultCommandTimeout
	}
	if s.poll <= 0 {
		s.poll = defaultPollInterval
	}
	return s
}

// Close frees every object still held and closes the connection.
func (s *Surface) Close() error {
	s.mu.Lock()
	for h, obj := range s.objects {
		s.free(obj)
		delete(s.objects, h)
	}
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Surface) alloc(obj any) native.Handle {
	s.next++
	s.objects[s.next] = obj
	return s.next
}

type operation func(s *Surface, vm *vmObject, args native.Args) result

var operations = map[native.Operation]operation{
	native.OpOpenVM:             (*Surface).openVM,
	native.OpPowerOn:            (*Surface).powerOn,
	native.OpPowerOff:           (*Surface).powerOff,
	native.OpReset:              (*Surface).reset,
	native.OpSuspend:            (*Surface).suspend,
	native.OpPause:              (*Surface).pause,
	native.OpUnpause:            (*Surface).unpause,
	native.OpWaitForTools:       (*Surface).waitForTools,
	native.OpLogin:              (*Surface).login,
	native.OpLogout:             (*Surface).logout,
	native.OpCopyFileToGuest:    (*Surface).copyFileToGuest,
	native.OpCopyFileFromGuest:  (*Surface).copyFileFromGuest,
	native.OpCreateDirectory:    (*Surface).createDirectory,
	native.OpDeleteDirectory:    (*Surface).deleteDirectory,
	native.OpDeleteFile:         (*Surface).deleteFile,
	native.OpFileExists:         (*Surface).fileExists,
	native.OpDirectoryExists:    (*Surface).directoryExists,
	native.OpRenameFile:         (*Surface).renameFile,
	native.OpCreateTempFile:     (*Surface).createTempFile,
	native.OpListDirectory:      (*Surface).listDirectory,
	native.OpRunProgram:         (*Surface).runProgram,
	native.OpRunScript:          (*Surface).runScript,
	native.OpListProcesses:      (*Surface).listProcesses,
	native.OpKillProcess:        (*Surface).killProcess,
	native.OpReadVariable:       (*Surface).readVariable,
	native.OpWriteVariable:      (*Surface).writeVariable,
	native.OpCaptureScreenImage: (*Surface).captureScreen,
	native.OpCreateSnapshot:     (*Surface).createSnapshot,
	native.OpRemoveSnapshot:     (*Surface).removeSnapshot,
	native.OpRevertToSnapshot:   (*Surface).revertToSnapshot,
}

func (s *Surface) Submit(op native.Operation, target native.Handle, args native.Args, done native.Callback) (native.Handle, native.Code) {
	run, ok := operations[op]
	if !ok {
		return native.NoHandle, native.CodeNotSupported
	}

	s.mu.Lock()
	var vm *vmObject
	if op != native.OpOpenVM {
		if vm, ok = s.objects[target].(*vmObject); !ok {
			s.mu.Unlock()
			return native.NoHandle, native.CodeInvalidHandle
		}
	}
	j := &jobObject{op: op}
	handle := s.alloc(j)
	s.mu.Unlock()

	go func() {
		started := time.Now()
		res := run(s, vm, args)

		s.mu.Lock()
		j.result = res
		j.done = true
		s.mu.Unlock()

		if res.code != native.CodeOK {
			s.logger.Debug("operation failed",
				"operation", op.String(),
				"code", int(res.code),
				"error", res.err,
				"elapsed", time.Since(started),
			)
		}
		done(handle)
	}()
	return handle, native.CodeOK
}

func (s *Surface) job(h native.Handle) (*jobObject, native.Code) {
	obj, ok := s.objects[h].(*jobObject)
	if !ok {
		return nil, native.CodeInvalidHandle
	}
	if !obj.done {
		return nil, native.CodeObjectIsBusy
	}
	return obj, native.CodeOK
}

func (s *Surface) Result(h native.Handle) native.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, code := s.job(h)
	if code != native.CodeOK {
		return code
	}
	return obj.result.code
}

func (s *Surface) NumResults(h native.Handle) (int, native.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, code := s.job(h)
	if code != native.CodeOK {
		return 0, code
	}
	return len(obj.result.rows), native.CodeOK
}

func (s *Surface) NthResult(h native.Handle, index int, ids ...native.PropertyID) ([]native.Value, native.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, code := s.job(h)
	if code != native.CodeOK {
		return nil, code
	}
	if index < 0 || index >= len(obj.result.rows) {
		return nil, native.CodeInvalidArg
	}
	return pick(obj.result.rows[index], ids)
}

// Properties reads job results directly and queries libvirt for VM and
// snapshot handles.
func (s *Surface) Properties(h native.Handle, ids ...native.PropertyID) ([]native.Value, native.Code) {
	s.mu.Lock()
	obj := s.objects[h]
	if j, ok := obj.(*jobObject); ok {
		defer s.mu.Unlock()
		if !j.done {
			return nil, native.CodeObjectIsBusy
		}
		return pick(j.result.props, ids)
	}
	s.mu.Unlock()

	switch obj := obj.(type) {
	case *vmObject:
		return s.vmProperties(obj, ids)
	case *snapshotObject:
		return s.snapshotProperties(obj, ids)
	default:
		return nil, native.CodeInvalidHandle
	}
}

func pick(props map[native.PropertyID]native.Value, ids []native.PropertyID) ([]native.Value, native.Code) {
	values := make([]native.Value, 0, len(ids))
	for _, id := range ids {
		v, ok := props[id]
		if !ok {
			return nil, native.CodeUnrecognizedProperty
		}
		values = append(values, v)
	}
	return values, native.CodeOK
}

func (s *Surface) ErrorText(code native.Code, locale string) string {
	return native.Message(code, locale)
}

func (s *Surface) Release(h native.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[h]
	if !ok {
		return
	}
	if refs := refsOf(obj); refs != nil && *refs > 1 {
		*refs--
		return
	}
	delete(s.objects, h)
	s.free(obj)
}

func refsOf(obj any) *int {
	switch obj := obj.(type) {
	case *vmObject:
		return &obj.refs
	case *snapshotObject:
		return &obj.refs
	}
	return nil
}

// free drops libvirt references held by obj. s.mu must be held.
func (s *Surface) free(obj any) {
	switch obj := obj.(type) {
	case *vmObject:
		if s.domains[obj.name] == obj.handle {
			delete(s.domains, obj.name)
		}
		_ = obj.dom.Free()
	case *snapshotObject:
		key := snapshotKey{vm: obj.vm.handle, name: obj.name}
		if s.snapshots[key] == obj.handle {
			delete(s.snapshots, key)
		}
		_ = obj.snap.Free()
	}
}

func (s *Surface) lookupVM(h native.Handle) (*vmObject, native.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.objects[h].(*vmObject)
	if !ok {
		return nil, native.CodeInvalidHandle
	}
	return vm, native.CodeOK
}

func (s *Surface) lookupSnapshot(h native.Handle) (*snapshotObject, native.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.objects[h].(*snapshotObject)
	if !ok {
		return nil, native.CodeInvalidHandle
	}
	return snap, native.CodeOK
}

func (s *Surface) sessionOf(vm *vmObject) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vm.session
}

func (s *Surface) setSession(vm *vmObject, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm.session = sess
}
