package native

import "fmt"

// Kind is the dynamic type carried by a Value.
type Kind int

const (
	KindNone Kind = iota
	KindInt
	KindString
	KindBool
	KindHandle
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindHandle:
		return "handle"
	case KindBlob:
		return "blob"
	default:
		return "none"
	}
}

// Value is a single loosely typed property value as the surface returns it.
// Timestamps travel as KindInt holding Unix epoch seconds.
type Value struct {
	Kind   Kind
	Int    int64
	String string
	Bool   bool
	Handle Handle
	Blob   []byte
}

func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }
func StringValue(v string) Value { return Value{Kind: KindString, String: v} }
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }
func HandleValue(v Handle) Value { return Value{Kind: KindHandle, Handle: v} }
func BlobValue(v []byte) Value { return Value{Kind: KindBlob, Blob: v} }

func (v Value) GoString() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("int(%d)", v.Int)
	case KindString:
		return fmt.Sprintf("string(%q)", v.String)
	case KindBool:
		return fmt.Sprintf("bool(%t)", v.Bool)
	case KindHandle:
		return fmt.Sprintf("handle(%d)", v.Handle)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.Blob))
	default:
		return "none"
	}
}
