// Package template implements the message templating language used for
// assistant-generated CRM communications (emails, follow-ups, summaries).
//
// Templates are plain strings carrying four markup forms, expanded in a
// fixed order: conditionals, loops, helpers, plain variables.
//
//	{{#if deal.isHot}}Priority follow-up{{/if}}
//	{{#each contacts}}{{this.name}} <{{this.email}}>{{/each}}
//	{{currency deal.amount}}
//	Hello {{lead.firstName}},
//
// Rendering is fail-soft: missing variables, non-array loop targets, and
// bad helper operands are collected into Result.Errors while the original
// placeholder text is preserved in the output, so a broken template stays
// human-readable instead of collapsing to blank text.
package template

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Context is the nested data a template is rendered against. Values may be
// strings, numbers, booleans, time.Time, slices, maps, or nil, addressed by
// dot-separated paths.
type Context map[string]any

// Result is the outcome of a Render call. Errors lists every problem hit
// while rendering; Body is always usable regardless.
type Result struct {
	Body   string
	Errors []string
}

var (
	condRe   = regexp.MustCompile(`\{\{#if\s+([^}]+?)\s*\}\}((?s:.*?))\{\{/if\}\}`)
	loopRe   = regexp.MustCompile(`\{\{#each\s+([^}]+?)\s*\}\}((?s:.*?))\{\{/each\}\}`)
	helperRe = regexp.MustCompile(`\{\{(\w+)\s+([^}]+?)\s*\}\}`)
	varRe    = regexp.MustCompile(`\{\{\s*([\w@][\w@.]*)\s*\}\}`)
)

// Render interprets tmpl against ctx and returns the rendered body together
// with any collected errors. It never fails outright: an unexpected internal
// fault is recovered and reported as a single aggregate error with the
// template returned unrendered.
func Render(tmpl string, ctx Context) (res Result) {
	r := &renderer{}
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				Body:   tmpl,
				Errors: append(r.errors, fmt.Sprintf("template rendering failed: %v", rec)),
			}
		}
	}()
	body := r.render(tmpl, map[string]any(ctx))
	return Result{Body: body, Errors: r.errors}
}

type renderer struct {
	errors []string
}

// render runs the four passes in order. Loop bodies re-enter here with their
// shadow scope, so later passes see fully expanded content.
func (r *renderer) render(tmpl string, scope map[string]any) string {
	out := r.conditionals(tmpl, scope)
	out = r.loops(out, scope)
	out = r.helpers(out, scope)
	out = r.variables(out, scope)
	return out
}

func (r *renderer) conditionals(s string, scope map[string]any) string {
	return condRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := condRe.FindStringSubmatch(m)
		path, body := sub[1], sub[2]
		if v, ok := resolvePath(scope, path); ok && isTruthy(v) {
			return body
		}
		return ""
	})
}

func (r *renderer) loops(s string, scope map[string]any) string {
	return loopRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := loopRe.FindStringSubmatch(m)
		path, body := sub[1], sub[2]
		v, ok := resolvePath(scope, path)
		if !ok {
			return ""
		}
		items, ok := toSlice(v)
		if !ok {
			// A loop over a non-array target renders nothing. Not an error:
			// optional collections are routinely absent from CRM context.
			return ""
		}
		var b strings.Builder
		for i, item := range items {
			shadow := make(map[string]any, len(scope)+4)
			for k, val := range scope {
				shadow[k] = val
			}
			shadow["this"] = item
			shadow["@index"] = i
			shadow["@first"] = i == 0
			shadow["@last"] = i == len(items)-1
			b.WriteString(r.render(body, shadow))
		}
		return b.String()
	})
}

func (r *renderer) helpers(s string, scope map[string]any) string {
	return helperRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := helperRe.FindStringSubmatch(m)
		name, path := sub[1], sub[2]
		fn, known := helperFuncs[name]
		if !known {
			// Unknown helper names are left untouched so a typo stays
			// visible in the output instead of silently vanishing.
			return m
		}
		v, ok := resolvePath(scope, path)
		if !ok {
			r.recordf("Variable not found: %s", path)
			return m
		}
		out, err := fn(v)
		if err != nil {
			r.recordf("%s: %v", name, err)
			return m
		}
		return out
	})
}

func (r *renderer) variables(s string, scope map[string]any) string {
	return varRe.ReplaceAllStringFunc(s, func(m string) string {
		path := varRe.FindStringSubmatch(m)[1]
		v, ok := resolvePath(scope, path)
		if !ok {
			r.recordf("Variable not found: %s", path)
			return m
		}
		return formatValue(v)
	})
}

// recordf appends a rendering error, collapsing duplicates. A preserved
// placeholder inside a loop body is scanned again by the outer passes, which
// would otherwise report the same problem once per pass.
func (r *renderer) recordf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if slices.Contains(r.errors, msg) {
		return
	}
	r.errors = append(r.errors, msg)
}

// resolvePath walks a dot-separated path through nested maps and slices.
// The boolean reports whether the full path resolved; nil is a valid value
// and resolves true when the key is present.
func resolvePath(scope map[string]any, path string) (any, bool) {
	var cur any = scope
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Context:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			v, ok := resolveReflect(cur, seg)
			if !ok {
				return nil, false
			}
			cur = v
		}
	}
	return cur, true
}

// resolveReflect handles typed maps and slices that reach the resolver from
// caller-built contexts, e.g. map[string]string or []Contact.
func resolveReflect(cur any, seg string) (any, bool) {
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	default:
		return nil, false
	}
}

// isTruthy implements the conditional inclusion rule: nil, false, zero
// numbers, empty strings, and empty arrays are false; everything else,
// including empty objects, is true.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// toSlice normalizes any slice or array value to []any. Strings are not
// iterable here.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
