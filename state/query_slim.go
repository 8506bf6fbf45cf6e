//go:build queryslim

package state

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Query walks the snapshot by reflection instead of jq. Built under the
// queryslim tag for images that cannot afford the gojq dependency; only
// plain dotted paths with [n] indexing are supported.
func (s HostSnapshot) Query(q string) (res string, err error) {
	var parts []string
	for _, p := range strings.Split(q, ".") {
		for len(p) > 0 {
			if p[0] == '[' {
				end := strings.Index(p, "]")
				if end > 0 {
					idx := p[1:end]
					parts = append(parts, idx)
					p = p[end+1:]
					continue
				}
			}
			bracketIdx := strings.Index(p, "[")
			if bracketIdx > 0 {
				parts = append(parts, p[:bracketIdx])
				p = p[bracketIdx:]
				continue
			}
			parts = append(parts, p)
			break
		}
	}
	v := reflect.ValueOf(s)
	for _, part := range parts {
		for v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if idx, err := strconv.Atoi(part); err == nil {
			if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
				if idx < 0 || idx >= v.Len() {
					return "", fmt.Errorf("invalid slice index '%s'", part)
				}
				v = v.Index(idx)
				continue
			}
		}
		switch v.Kind() {
		case reflect.Struct:
			found := false
			t := v.Type()
			for i := 0; i < t.NumField(); i++ {
				field := t.Field(i)
				jsonTag := field.Tag.Get("json")
				jsonName := strings.Split(jsonTag, ",")[0]
				if strings.EqualFold(field.Name, part) || (jsonName != "" && strings.EqualFold(jsonName, part)) {
					v = v.Field(i)
					found = true
					break
				}
			}
			if !found {
				return "", fmt.Errorf("field '%s' not found", part)
			}
		case reflect.Map:
			key := reflect.ValueOf(part)
			v = v.MapIndex(key)
			if !v.IsValid() {
				return "", fmt.Errorf("map key '%s' not found", part)
			}
		default:
			return "", fmt.Errorf("cannot traverse into %s", v.Kind())
		}
	}
	if v.Kind() == reflect.Ptr && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() == reflect.String {
		return v.String(), nil
	}
	return fmt.Sprint(v.Interface()), nil
}
