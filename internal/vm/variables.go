package vm

import (
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

// Variables reads and writes one variable class of a VM.
type Variables struct {
	vm    *VM
	class native.VariableClass
}

// Variables returns the namespace for class.
func (v *VM) Variables(class native.VariableClass) *Variables {
	return &Variables{vm: v, class: class}
}

// Class is the variable class the namespace is bound to.
func (n *Variables) Class() native.VariableClass { return n.class }

// ReadAsync returns the value of name, or "" when it is unset.
func (n *Variables) ReadAsync(name string) *task.Task[string] {
	args := native.Args{Name: name, Class: n.class}
	return valueAsync[string](n.vm, native.OpReadVariable, args,
		native.PropertyJobResultVariableValue, n.vm.host.opts.Timeout)
}

func (n *Variables) Read(name string) (string, error) {
	return n.ReadAsync(name).Result()
}

func (n *Variables) WriteAsync(name, value string) *task.Task[struct{}] {
	args := native.Args{Name: name, Value: value, Class: n.class}
	return n.vm.execAsync(native.OpWriteVariable, args, n.vm.host.opts.Timeout)
}

func (n *Variables) Write(name, value string) error {
	return n.WriteAsync(name, value).Err()
}
