// Package native describes the asynchronous automation surface that vmauto
// drives. A surface accepts operations, completes them on a goroutine of its
// own choosing, and exposes results as property lookups against job handles.
//
// Nothing in this package performs work. Concrete surfaces live in
// internal/native/virt (libvirt + QEMU guest agent) and
// internal/native/nativetest (in-memory test double).
package native

// Handle is an opaque reference to a native object: a VM, a snapshot or an
// in-flight job. The zero value never refers to a live object.
type Handle uint64

// NoHandle is the invalid handle.
const NoHandle Handle = 0

// Callback is invoked exactly once when a submitted operation finishes,
// successfully or not. It may run on any goroutine.
type Callback func(job Handle)

// Surface is the automation API consumed by the job layer.
//
// Methods that read properties or navigate snapshots are synchronous and only
// valid against completed job handles or live object handles.
type Surface interface {
	// Submit begins op against target and returns the handle of the
	// in-flight job. done fires once the job has a result code.
	Submit(op Operation, target Handle, args Args, done Callback) (Handle, Code)

	// Properties fetches ids from h, preserving request order.
	Properties(h Handle, ids ...PropertyID) ([]Value, Code)
	// Result reports the completion code of a finished job.
	Result(job Handle) Code
	// NumResults reports how many result rows a finished job produced.
	NumResults(job Handle) (int, Code)
	// NthResult fetches ids from the index'th result row of a finished job.
	NthResult(job Handle, index int, ids ...PropertyID) ([]Value, Code)

	RootSnapshotCount(vm Handle) (int, Code)
	RootSnapshot(vm Handle, index int) (Handle, Code)
	CurrentSnapshot(vm Handle) (Handle, Code)
	NamedSnapshot(vm Handle, name string) (Handle, Code)
	ChildCount(snapshot Handle) (int, Code)
	Child(snapshot Handle, index int) (Handle, Code)
	// Parent returns CodeSnapshotNotFound when the snapshot has no parent
	// and CodeInvalidArg when the handle is the tree root itself.
	Parent(snapshot Handle) (Handle, Code)

	// ErrorText resolves a code into a human readable message for locale.
	ErrorText(code Code, locale string) string
	// Release drops the surface's reference to h.
	Release(h Handle)
}
