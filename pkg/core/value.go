package core

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindMap
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindBlob:
		return "blob"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// DateLayout is the fixed, lexically sortable layout used to store dates.
// Dates are always normalized to UTC before formatting.
const DateLayout = "2006-01-02T15:04:05.000Z"

// Value is a node of the document value tree.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	a    []Value
	m    map[string]Value
	blob *Blob
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func Array(vs ...Value) Value { return Value{kind: KindArray, a: vs} }

func BlobValue(b *Blob) Value { return Value{kind: KindBlob, blob: b} }

// Date stores t as a DateLayout string.
func Date(t time.Time) Value { return String(FormatDate(t)) }

func FormatDate(t time.Time) string { return t.UTC().Format(DateLayout) }

// Map builds a map value. The input map is copied.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// ValueOf converts a native Go value into a Value.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case *Blob:
		if v == nil {
			return Null(), nil
		}
		return BlobValue(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return Float(float64(v)), nil
		}
		return Int(int64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return Float(float64(v)), nil
		}
		return Int(int64(v)), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case time.Time:
		return Date(v), nil
	case []Value:
		return Array(v...), nil
	case []string:
		out := make([]Value, len(v))
		for i, s := range v {
			out[i] = String(s)
		}
		return Array(out...), nil
	case []any:
		out := make([]Value, len(v))
		for i, item := range v {
			cv, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			out[i] = cv
		}
		return Array(out...), nil
	case map[string]Value:
		return Map(v), nil
	case map[string]any:
		if b, ok := blobFromMap(v); ok {
			return BlobValue(b), nil
		}
		out := make(map[string]Value, len(v))
		for k, item := range v {
			cv, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = cv
		}
		return Value{kind: KindMap, m: out}, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("unsupported map key type %T", k)
			}
			out[ks] = item
		}
		return ValueOf(out)
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// MustValueOf is ValueOf for literals known to be convertible.
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) && v.f >= math.MinInt64 && v.f <= math.MaxInt64 {
			return int64(v.f), true
		}
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.a, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

func (v Value) AsBlob() (*Blob, bool) {
	if v.kind != KindBlob {
		return nil, false
	}
	return v.blob, true
}

// AsDate parses a string value stored with DateLayout (or any RFC 3339 string).
func (v Value) AsDate() (time.Time, bool) {
	if v.kind != KindString {
		return time.Time{}, false
	}
	if t, err := time.Parse(DateLayout, v.s); err == nil {
		return t, true
	}
	t, err := time.Parse(time.RFC3339Nano, v.s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Interface converts the value to plain Go types: nil, bool, int64, float64,
// string, []any and map[string]any. Blobs become their reference map.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.a))
		for i := range v.a {
			out[i] = v.a[i].Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	case KindBlob:
		return v.blob.refMap()
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindArray:
		parts := make([]string, len(v.a))
		for i := range v.a {
			parts[i] = v.a[i].String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ":" + v.m[k].String()
		}
		return "{" + strings.Join(parts, ",") + "}"
	case KindBlob:
		return "blob(" + v.blob.Digest + ")"
	default:
		return "invalid"
	}
}

// rank orders kinds for collation: null < bool < number < string < array < map < blob.
func (v Value) rank() int {
	switch v.kind {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindString:
		return 3
	case KindArray:
		return 4
	case KindMap:
		return 5
	default:
		return 6
	}
}

// Comparable reports whether an ordering comparison (<, <=, >, >=) between
// the two values is meaningful. Only values of the same family compare.
func Comparable(a, b Value) bool {
	return a.rank() == b.rank()
}

// Compare orders two values using the collation null < bool < number <
// string < array < map < blob. Numbers compare across int and float.
func Compare(a, b Value) int {
	if ra, rb := a.rank(), b.rank(); ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		default:
			return 1
		}
	case KindInt, KindFloat:
		if a.kind == KindInt && b.kind == KindInt {
			return cmp.Compare(a.i, b.i)
		}
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return cmp.Compare(af, bf)
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindArray:
		for i := 0; i < len(a.a) && i < len(b.a); i++ {
			if c := Compare(a.a[i], b.a[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a.a), len(b.a))
	case KindMap:
		return strings.Compare(a.String(), b.String())
	default:
		return strings.Compare(a.blob.Digest, b.blob.Digest)
	}
}

// Equal reports deep equality under the collation used by Compare.
func Equal(a, b Value) bool {
	if a.rank() != b.rank() {
		return false
	}
	if a.kind == KindMap {
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return Compare(a, b) == 0
}

// Lookup resolves a dotted field path ("address.city", "tags.0") inside
// the value. Numeric segments index arrays.
func (v Value) Lookup(path string) (Value, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindMap:
			next, ok := cur.m[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindArray:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur.a) {
				return Value{}, false
			}
			cur = cur.a[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Blobs appends every blob referenced inside the value to dst.
func (v Value) Blobs(dst []*Blob) []*Blob {
	switch v.kind {
	case KindBlob:
		return append(dst, v.blob)
	case KindArray:
		for i := range v.a {
			dst = v.a[i].Blobs(dst)
		}
	case KindMap:
		for _, item := range v.m {
			dst = item.Blobs(dst)
		}
	}
	return dst
}
