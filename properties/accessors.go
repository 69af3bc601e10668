package properties

// String returns the string stored under key
func String(r Reader, key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns a string or string slice stored under key as a slice
func Strings(r Reader, key string) []string {
	v, ok := r.Get(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	return nil
}

// Int returns an integer stored under key under any of the accepted integer
// types. Other types report false.
func Int(r Reader, key string) (int64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	}
	return 0, false
}

// Bool returns a bool stored under key
func Bool(r Reader, key string) (bool, bool) {
	v, ok := r.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
