package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds a single decoded value unless a maxLength tag says
// otherwise.
var defaultFieldLimit = 16 * 1024

// sources lists the supported struct tags in precedence order.
var sources = []string{"path", "query", "form", "cookie"}

// Unmarshal populates dst, a non-nil pointer to a struct, from r.
//
// Fields are bound with struct tags:
//
//	`path:"name"`    r.PathValue(name)
//	`query:"name"`   URL query
//	`form:"name"`    POST/PUT form body
//	`cookie:"name"`  request cookie
//
// A field may carry several tags; the first source in the order above that
// has a value wins. Untagged fields and fields tagged "-" are left alone.
// Supported field kinds are string, bool and the integer kinds.
//
// Values longer than 16KB are rejected with 400 unless the field sets
// `maxLength:"n"` (0 means unlimited).
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	if root.NumField() == 0 {
		return nil
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		if err := r.ParseForm(); err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
		}
	}

	t := root.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		raw, ok := lookup(r, sf)
		if !ok {
			continue
		}
		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		if limit > 0 && len(raw) > limit {
			return Error(http.StatusBadRequest, "", fmt.Errorf("field %s exceeds %d bytes", sf.Name, limit))
		}
		if err := setField(root.Field(i), raw); err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("field %s: %w", sf.Name, err))
		}
	}
	return nil
}

func lookup(r *http.Request, sf reflect.StructField) (string, bool) {
	for _, src := range sources {
		tag, ok := sf.Tag.Lookup(src)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return "", false
		}
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		switch src {
		case "path":
			if v := r.PathValue(name); v != "" {
				return v, true
			}
		case "query":
			if r.URL == nil {
				continue
			}
			if vs, ok := r.URL.Query()[name]; ok && len(vs) > 0 {
				return vs[0], true
			}
		case "form":
			if vs, ok := r.PostForm[name]; ok && len(vs) > 0 {
				return vs[0], true
			}
		case "cookie":
			if c, err := r.Cookie(name); err == nil {
				return c.Value, true
			}
		}
	}
	return "", false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil {
		return 0, fmt.Errorf("maxLength tag: %w", err)
	}
	if n < 0 {
		return 0, errors.New("maxLength tag must be non-negative")
	}
	return n, nil
}

func setField(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported kind %s", fv.Kind())
	}
	return nil
}
