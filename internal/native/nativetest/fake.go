// Package nativetest provides an in-memory native.Surface for tests. It
// models VMs, a guest filesystem, guest processes, variables and snapshot
// trees, completes jobs on background goroutines, and records the
// submission and completion time of every job per target handle.
package nativetest

import (
	"sort"
	"sync"
	"time"

	"github.com/cochaviz/vmauto/internal/native"
)

// Result is what a handler produces for one job.
type Result struct {
	Code  native.Code
	Props map[native.PropertyID]native.Value
	Rows  []map[native.PropertyID]native.Value

	// RowCode, when non-zero, is returned by NthResult for index RowCodeAt
	// and every index after it.
	RowCode   native.Code
	RowCodeAt int
}

// Handler implements one operation. It runs with the fake locked, so it may
// read and mutate the model directly but must not call Surface methods.
type Handler func(f *Fake, target native.Handle, args native.Args) Result

// Event is the recorded lifecycle of one submitted job.
type Event struct {
	Op        native.Operation
	Target    native.Handle
	Job       native.Handle
	Submitted time.Time
	Completed time.Time
}

type jobObject struct {
	result    Result
	completed bool
}

// Fake is a thread-safe in-memory surface.
type Fake struct {
	mu       sync.Mutex
	next     native.Handle
	objects  map[native.Handle]any
	events   []*Event
	inflight map[native.Handle]int
	overlaps int
	released int
	freed    map[native.Handle]int

	delays   map[native.Operation]time.Duration
	handlers map[native.Operation]Handler
	pending  map[native.Operation][]native.Code
	rules    map[native.Operation][]failRule
	stalled  map[native.Operation]chan struct{}
	pid      uint64
}

var _ native.Surface = (*Fake)(nil)

// New returns an empty fake with the default handlers installed.
func New() *Fake {
	f := &Fake{
		objects:  map[native.Handle]any{},
		inflight: map[native.Handle]int{},
		freed:    map[native.Handle]int{},
		delays:   map[native.Operation]time.Duration{},
		handlers: map[native.Operation]Handler{},
		pending:  map[native.Operation][]native.Code{},
		rules:    map[native.Operation][]failRule{},
		stalled:  map[native.Operation]chan struct{}{},
		pid:      1000,
	}
	for op, h := range defaultHandlers {
		f.handlers[op] = h
	}
	return f
}

// SetDelay makes every job of op take at least d before completing.
func (f *Fake) SetDelay(op native.Operation, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// Handle replaces the handler of op.
func (f *Fake) Handle(op native.Operation, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = h
}

// FailNext makes the next job of op complete with code without running its
// handler. Calls queue up.
func (f *Fake) FailNext(op native.Operation, code native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[op] = append(f.pending[op], code)
}

type failRule struct {
	match func(native.Args) bool
	code  native.Code
}

// FailWhen makes every job of op whose args satisfy match complete with
// code without running its handler.
func (f *Fake) FailWhen(op native.Operation, match func(native.Args) bool, code native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[op] = append(f.rules[op], failRule{match: match, code: code})
}

func (f *Fake) ruleFor(op native.Operation, args native.Args) (native.Code, bool) {
	for _, r := range f.rules[op] {
		if r.match(args) {
			return r.code, true
		}
	}
	return native.CodeOK, false
}

// Stall holds every job of op until the returned function is called.
func (f *Fake) Stall(op native.Operation) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.stalled[op] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.stalled, op)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Events returns a copy of the recorded job events in submission order.
func (f *Fake) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, *e)
	}
	return out
}

// Overlaps counts submissions that arrived while another job against the
// same target was still in flight.
func (f *Fake) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

// Released counts released job handles.
func (f *Fake) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// ReleaseCount reports how often h, of any kind, has been released.
func (f *Fake) ReleaseCount(h native.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freed[h]
}

// InFlight reports whether a job against target has been submitted and
// not yet completed.
func (f *Fake) InFlight(target native.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[target] > 0
}

func (f *Fake) alloc(obj any) native.Handle {
	f.next++
	f.objects[f.next] = obj
	return f.next
}

func (f *Fake) Submit(op native.Operation, target native.Handle, args native.Args, done native.Callback) (native.Handle, native.Code) {
	f.mu.Lock()
	handler, ok := f.handlers[op]
	if !ok {
		f.mu.Unlock()
		return native.NoHandle, native.CodeNotSupported
	}
	if target != native.NoHandle {
		if _, ok := f.objects[target]; !ok {
			f.mu.Unlock()
			return native.NoHandle, native.CodeInvalidHandle
		}
	}
	jobObj := &jobObject{}
	handle := f.alloc(jobObj)
	event := &Event{Op: op, Target: target, Job: handle, Submitted: time.Now()}
	f.events = append(f.events, event)
	f.inflight[target]++
	if f.inflight[target] > 1 {
		f.overlaps++
	}
	delay := f.delays[op]
	stall := f.stalled[op]
	f.mu.Unlock()

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if stall != nil {
			<-stall
		}

		f.mu.Lock()
		var result Result
		if queued := f.pending[op]; len(queued) > 0 {
			result = Result{Code: queued[0]}
			f.pending[op] = queued[1:]
		} else if code, ok := f.ruleFor(op, args); ok {
			result = Result{Code: code}
		} else {
			result = handler(f, target, args)
		}
		jobObj.result = result
		jobObj.completed = true
		event.Completed = time.Now()
		f.inflight[target]--
		f.mu.Unlock()

		done(handle)
	}()
	return handle, native.CodeOK
}

func (f *Fake) job(h native.Handle) (*jobObject, native.Code) {
	obj, ok := f.objects[h].(*jobObject)
	if !ok {
		return nil, native.CodeInvalidHandle
	}
	if !obj.completed {
		return nil, native.CodeObjectIsBusy
	}
	return obj, native.CodeOK
}

func (f *Fake) Result(h native.Handle) native.Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, code := f.job(h)
	if code != native.CodeOK {
		return code
	}
	return obj.result.Code
}

func (f *Fake) Properties(h native.Handle, ids ...native.PropertyID) ([]native.Value, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var props map[native.PropertyID]native.Value
	switch obj := f.objects[h].(type) {
	case *jobObject:
		if !obj.completed {
			return nil, native.CodeObjectIsBusy
		}
		props = obj.result.Props
	case *VM:
		props = obj.properties()
	case *Snapshot:
		props = obj.properties()
	default:
		return nil, native.CodeInvalidHandle
	}
	return pick(props, ids)
}

func (f *Fake) NumResults(h native.Handle) (int, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, code := f.job(h)
	if code != native.CodeOK {
		return 0, code
	}
	return len(obj.result.Rows), native.CodeOK
}

func (f *Fake) NthResult(h native.Handle, index int, ids ...native.PropertyID) ([]native.Value, native.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, code := f.job(h)
	if code != native.CodeOK {
		return nil, code
	}
	if obj.result.RowCode != native.CodeOK && index >= obj.result.RowCodeAt {
		return nil, obj.result.RowCode
	}
	if index < 0 || index >= len(obj.result.Rows) {
		return nil, native.CodeInvalidArg
	}
	return pick(obj.result.Rows[index], ids)
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

func (f *Fake) ErrorText(code native.Code, locale string) string {
	return native.Message(code, locale)
}

// Release frees job handles. VM and snapshot handles stay valid, but every
// release is counted; see ReleaseCount.
func (f *Fake) Release(h native.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed[h]++
	if _, ok := f.objects[h].(*jobObject); ok {
		delete(f.objects, h)
		f.released++
	}
}

// AddVM registers a powered-off VM named name and returns its handle.
func (f *Fake) AddVM(name string) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm := &VM{
		Name:       name,
		PowerState: native.PowerStatePoweredOff,
		files:      map[string]*fsEntry{"/": {dir: true}},
		vars: map[native.VariableClass]map[string]string{
			native.GuestVariable:            {},
			native.GuestEnvironmentVariable: {},
			native.RuntimeConfigVariable:    {},
		},
	}
	vm.handle = f.alloc(vm)
	return vm.handle
}

// VM returns the model behind handle h.
func (f *Fake) VM(h native.Handle) *VM {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, _ := f.objects[h].(*VM)
	return vm
}

// With runs fn with the fake locked, for inspecting or seeding the model.
func (f *Fake) With(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *Fake) vmByName(name string) *VM {
	for _, obj := range f.objects {
		if vm, ok := obj.(*VM); ok && vm.Name == name {
			return vm
		}
	}
	return nil
}

func (f *Fake) nextPID() uint64 {
	f.pid++
	return f.pid
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
