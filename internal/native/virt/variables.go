package virt

import (
	"encoding/xml"
	"net/url"
	"regexp"
	"strings"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/vmauto/internal/native"
)

// Guest and runtime configuration variables are stored as libvirt domain
// metadata elements, one element per variable, keyed by namespace URI.
const (
	metadataNamespace = "https://github.com/cochaviz/vmauto/variables"
	metadataPrefix    = "vmauto"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type metadataVariable struct {
	XMLName xml.Name `xml:"variable"`
	Value   string   `xml:",chardata"`
}

func metadataURI(class native.VariableClass, name string) string {
	return metadataNamespace + "/" + class.String() + "/" + url.PathEscape(name)
}

func metadataImpact(class native.VariableClass) (libvirt.DomainModificationImpact, bool) {
	switch class {
	case native.GuestVariable:
		return libvirt.DOMAIN_AFFECT_LIVE, true
	case native.RuntimeConfigVariable:
		return libvirt.DOMAIN_AFFECT_CONFIG, true
	default:
		return 0, false
	}
}

func valueResult(value string) result {
	return succeeded(map[native.PropertyID]native.Value{
		native.PropertyJobResultVariableValue: native.StringValue(value),
	})
}

func (s *Surface) readVariable(vm *vmObject, args native.Args) result {
	if args.Name == "" {
		return failed(codeErrorf(native.CodeInvalidArg, "variable name is required"))
	}
	if args.Class == native.GuestEnvironmentVariable {
		return s.readEnvironment(vm, args.Name)
	}
	impact, ok := metadataImpact(args.Class)
	if !ok {
		return failed(codeErrorf(native.CodeInvalidArg, "unknown variable class %s", args.Class))
	}
	doc, err := vm.dom.GetMetadata(libvirt.DOMAIN_METADATA_ELEMENT, metadataURI(args.Class, args.Name), impact)
	if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN_METADATA) {
		return valueResult("")
	}
	if err != nil {
		return failed(err)
	}
	var v metadataVariable
	if err := xml.Unmarshal([]byte(doc), &v); err != nil {
		return failed(codeErrorf(native.CodeFail, "decode variable %s: %v", args.Name, err))
	}
	return valueResult(v.Value)
}

func (s *Surface) writeVariable(vm *vmObject, args native.Args) result {
	if args.Name == "" {
		return failed(codeErrorf(native.CodeInvalidArg, "variable name is required"))
	}
	if args.Class == native.GuestEnvironmentVariable {
		return failed(codeErrorf(native.CodeNotSupported, "guest environment variables are read-only"))
	}
	impact, ok := metadataImpact(args.Class)
	if !ok {
		return failed(codeErrorf(native.CodeInvalidArg, "unknown variable class %s", args.Class))
	}
	doc, err := xml.Marshal(metadataVariable{Value: args.Value})
	if err != nil {
		return failed(err)
	}
	err = vm.dom.SetMetadata(libvirt.DOMAIN_METADATA_ELEMENT, string(doc), metadataPrefix,
		metadataURI(args.Class, args.Name), impact)
	return failed(err)
}

// readEnvironment reads a variable from the environment guest programs
// are started with.
func (s *Surface) readEnvironment(vm *vmObject, name string) result {
	if !envName.MatchString(name) {
		return failed(codeErrorf(native.CodeInvalidArg, "invalid environment variable name %q", name))
	}
	if res, ok := s.requireState(vm, libvirt.DOMAIN_RUNNING); !ok {
		return res
	}
	res, err := s.shell(vm, `printenv "$1"; exit 0`, name)
	if err != nil {
		return failed(err)
	}
	return valueResult(strings.TrimSuffix(res.Stdout, "\n"))
}
