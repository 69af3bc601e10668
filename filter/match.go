package filter

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

func matchValue(f *item, v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		for i := 0; i < rv.Len(); i++ {
			if matchScalar(f, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	return matchScalar(f, v)
}

func matchScalar(f *item, v any) bool {
	switch t := v.(type) {
	case string:
		return matchString(f, t)
	case bool:
		return matchBool(f, t)
	case int:
		return matchInt(f, int64(t))
	case int8:
		return matchInt(f, int64(t))
	case int16:
		return matchInt(f, int64(t))
	case int32:
		return matchInt(f, int64(t))
	case int64:
		return matchInt(f, t)
	case uint8:
		return matchInt(f, int64(t))
	case float32:
		return matchFloat(f, float64(t))
	case float64:
		return matchFloat(f, t)
	}
	return false
}

func matchString(f *item, s string) bool {
	switch f.op {
	case opEqual:
		return s == f.value
	case opApprox:
		return approx(s) == approx(f.value)
	case opGreaterEq:
		return s >= f.value
	case opLessEq:
		return s <= f.value
	case opSubstring:
		return matchSubstring(f.parts, s)
	}
	return false
}

func matchSubstring(parts []string, s string) bool {
	last := len(parts) - 1
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	for _, middle := range parts[1:last] {
		i := strings.Index(s, middle)
		if i < 0 {
			return false
		}
		s = s[i+len(middle):]
	}
	return strings.HasSuffix(s, parts[last])
}

// approx drops whitespace and case so "Hello World" ~= "helloworld"
func approx(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

func matchBool(f *item, b bool) bool {
	if f.op != opEqual && f.op != opApprox {
		return false
	}
	want, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(f.value)))
	return err == nil && want == b
}

func matchInt(f *item, n int64) bool {
	want, err := strconv.ParseInt(strings.TrimSpace(f.value), 10, 64)
	if err != nil {
		return false
	}
	switch f.op {
	case opEqual, opApprox:
		return n == want
	case opGreaterEq:
		return n >= want
	case opLessEq:
		return n <= want
	}
	return false
}

func matchFloat(f *item, x float64) bool {
	want, err := strconv.ParseFloat(strings.TrimSpace(f.value), 64)
	if err != nil || math.IsNaN(want) || math.IsNaN(x) {
		return false
	}
	switch f.op {
	case opEqual, opApprox:
		return x == want
	case opGreaterEq:
		return x >= want
	case opLessEq:
		return x <= want
	}
	return false
}
