package job

import (
	"fmt"
	"time"

	"github.com/cochaviz/vmauto/internal/native"
)

// Row is one result tuple: values in the order their ids were requested.
type Row struct {
	ids    []native.PropertyID
	values []native.Value
}

// NewRow pairs values with the ids they were requested under.
func NewRow(ids []native.PropertyID, values []native.Value) (Row, error) {
	if len(values) != len(ids) {
		return Row{}, fmt.Errorf("%w: requested %d properties, got %d", ErrTypeMismatch, len(ids), len(values))
	}
	return Row{ids: ids, values: values}, nil
}

// Len reports the number of values in the row.
func (r Row) Len() int { return len(r.values) }

// Value returns the raw value at position i.
func (r Row) Value(i int) native.Value { return r.values[i] }

// Scan copies the row into dest, one pointer per requested property. Every
// destination is checked against the value's native kind.
//
// Supported destinations: *string, *int, *int64, *uint64, *bool,
// *time.Time (from epoch seconds), *time.Duration (from seconds),
// *native.Handle, *[]byte. A nil destination skips the value.
func (r Row) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("%w: %d destinations for %d values", ErrTypeMismatch, len(dest), len(r.values))
	}
	for i, d := range dest {
		if d == nil {
			continue
		}
		if err := assign(d, r.values[i]); err != nil {
			return fmt.Errorf("scan %s: %w", r.ids[i], err)
		}
	}
	return nil
}

func assign(dest any, v native.Value) error {
	switch d := dest.(type) {
	case *string:
		if v.Kind != native.KindString {
			return mismatch(v, "string")
		}
		*d = v.String
	case *int:
		if v.Kind != native.KindInt {
			return mismatch(v, "int")
		}
		*d = int(v.Int)
	case *int64:
		if v.Kind != native.KindInt {
			return mismatch(v, "int64")
		}
		*d = v.Int
	case *uint64:
		if v.Kind != native.KindInt || v.Int < 0 {
			return mismatch(v, "uint64")
		}
		*d = uint64(v.Int)
	case *bool:
		switch v.Kind {
		case native.KindBool:
			*d = v.Bool
		case native.KindInt:
			*d = v.Int != 0
		default:
			return mismatch(v, "bool")
		}
	case *time.Time:
		if v.Kind != native.KindInt {
			return mismatch(v, "time.Time")
		}
		*d = time.Unix(v.Int, 0)
	case *time.Duration:
		if v.Kind != native.KindInt {
			return mismatch(v, "time.Duration")
		}
		*d = time.Duration(v.Int) * time.Second
	case *native.Handle:
		if v.Kind != native.KindHandle {
			return mismatch(v, "native.Handle")
		}
		*d = v.Handle
	case *[]byte:
		if v.Kind != native.KindBlob {
			return mismatch(v, "[]byte")
		}
		*d = v.Blob
	default:
		return fmt.Errorf("%w: unsupported destination %T", ErrTypeMismatch, dest)
	}
	return nil
}

func mismatch(v native.Value, want string) error {
	return fmt.Errorf("%w: cannot store %s in %s", ErrTypeMismatch, v.Kind, want)
}
