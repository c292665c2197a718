package module

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
)

// Specificity scores for one coerced argument.
const (
	scoreInterface = 0
	scoreLoose     = 1
	scoreExact     = 2
)

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	bytesType = reflect.TypeOf([]byte(nil))
)

// ParseArgs decodes a JSON array of arguments. Empty input and null yield no
// arguments.
func ParseArgs(argsJSON string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(argsJSON))
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON array: %w", err)
	}
	return args, nil
}

// Coerce decodes raw into a fresh value of type t. The score ranks how
// closely the JSON value matches t. null only fits pointer, map, slice and
// interface parameters; a number with a zero fraction fits an integer one.
func Coerce(raw json.RawMessage, t reflect.Type) (reflect.Value, int, error) {
	switch kindOf(raw) {
	case jsonNull:
		if !nillable(t) {
			return reflect.Value{}, 0, fmt.Errorf("null is not a valid %s", t)
		}
	case jsonFloat:
		if integer(t) {
			return coerceIntegral(raw, t)
		}
		if t.Kind() == reflect.Pointer && integer(t.Elem()) {
			v, s, err := coerceIntegral(raw, t.Elem())
			if err != nil {
				return reflect.Value{}, 0, err
			}
			ptr := reflect.New(t.Elem())
			ptr.Elem().Set(v)
			return ptr, s, nil
		}
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, 0, err
	}
	return ptr.Elem(), score(raw, t), nil
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return true
	}
	return false
}

func integer(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

// coerceIntegral accepts a float literal such as 3.0 or 1e3 for an integer
// kind when its value is whole and fits t.
func coerceIntegral(raw json.RawMessage, t reflect.Type) (reflect.Value, int, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return reflect.Value{}, 0, err
	}
	f, _, err := big.ParseFloat(num.String(), 10, 256, big.ToNearestEven)
	if err != nil {
		return reflect.Value{}, 0, fmt.Errorf("invalid number %s: %w", num, err)
	}
	if !f.IsInt() {
		return reflect.Value{}, 0, fmt.Errorf("%s is not a whole number for %s", num, t)
	}
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u, acc := f.Uint64()
		if acc != big.Exact || v.OverflowUint(u) {
			return reflect.Value{}, 0, fmt.Errorf("%s overflows %s", num, t)
		}
		v.SetUint(u)
	default:
		i, acc := f.Int64()
		if acc != big.Exact || v.OverflowInt(i) {
			return reflect.Value{}, 0, fmt.Errorf("%s overflows %s", num, t)
		}
		v.SetInt(i)
	}
	return v, scoreLoose, nil
}

type jsonKind int

const (
	jsonNull jsonKind = iota
	jsonBool
	jsonInt
	jsonFloat
	jsonString
	jsonArray
	jsonObject
)

func kindOf(raw json.RawMessage) jsonKind {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return jsonNull
	}
	switch trimmed[0] {
	case 'n':
		return jsonNull
	case 't', 'f':
		return jsonBool
	case '"':
		return jsonString
	case '[':
		return jsonArray
	case '{':
		return jsonObject
	}
	if bytes.ContainsAny(trimmed, ".eE") {
		return jsonFloat
	}
	return jsonInt
}

func score(raw json.RawMessage, t reflect.Type) int {
	k := kindOf(raw)
	if t.Kind() == reflect.Interface {
		return scoreInterface
	}
	if t.Kind() == reflect.Pointer {
		if k == jsonNull {
			return scoreExact
		}
		t = t.Elem()
	}
	switch k {
	case jsonNull:
		switch t.Kind() {
		case reflect.Map, reflect.Slice:
			return scoreExact
		}
		return scoreLoose
	case jsonBool:
		if t.Kind() == reflect.Bool {
			return scoreExact
		}
	case jsonInt:
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return scoreExact
		}
	case jsonFloat:
		switch t.Kind() {
		case reflect.Float32, reflect.Float64:
			return scoreExact
		}
	case jsonString:
		if t.Kind() == reflect.String {
			return scoreExact
		}
	case jsonArray:
		if (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t != bytesType {
			return scoreExact
		}
	case jsonObject:
		if t.Kind() == reflect.Struct || t.Kind() == reflect.Map {
			return scoreExact
		}
	}
	return scoreLoose
}

// Select picks the candidate whose arity equals len(args) and whose
// parameters accept every argument. Among those, the highest total
// specificity wins; ties go to the earliest candidate.
func Select(candidates []*Callable, args []json.RawMessage) (*Callable, []reflect.Value, bool) {
	var (
		best      *Callable
		bestArgs  []reflect.Value
		bestScore = -1
	)
	for _, c := range candidates {
		if c.Arity() != len(args) {
			continue
		}
		values := make([]reflect.Value, len(args))
		total := 0
		ok := true
		for i, raw := range args {
			v, s, err := Coerce(raw, c.Params[i])
			if err != nil {
				ok = false
				break
			}
			values[i] = v
			total += s
		}
		if !ok {
			continue
		}
		if total > bestScore {
			best, bestArgs, bestScore = c, values, total
		}
	}
	return best, bestArgs, best != nil
}

// SplitError separates a trailing error result from the values of a call.
func SplitError(results []reflect.Value, types []reflect.Type) ([]reflect.Value, error) {
	if n := len(types); n > 0 && types[n-1] == errorType && len(results) == n {
		last := results[n-1]
		results = results[:n-1]
		if !last.IsNil() {
			return results, last.Interface().(error)
		}
	}
	return results, nil
}

// EncodeResults renders call results as JSON: null for none, the value for
// one, an array for several.
func EncodeResults(results []reflect.Value) (json.RawMessage, error) {
	switch len(results) {
	case 0:
		return json.RawMessage("null"), nil
	case 1:
		return json.Marshal(exportValue(results[0]))
	}
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = exportValue(r)
	}
	return json.Marshal(out)
}

func exportValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		return nil
	}
	if !v.CanInterface() {
		return fmt.Sprint(v)
	}
	return v.Interface()
}
