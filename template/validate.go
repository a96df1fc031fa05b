package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation reports the static checks Validate performs on a template.
// Errors make the template unusable; warnings flag constructs that render
// but tend to break as CRM schemas evolve.
type Validation struct {
	Valid     bool
	Errors    []string
	Warnings  []string
	Variables []string
}

var (
	openIfRe    = regexp.MustCompile(`\{\{#if\b`)
	closeIfRe   = regexp.MustCompile(`\{\{/if\}\}`)
	openEachRe  = regexp.MustCompile(`\{\{#each\b`)
	closeEachRe = regexp.MustCompile(`\{\{/each\}\}`)
	emptyVarRe  = regexp.MustCompile(`\{\{\s*\}\}`)
)

// Validate statically checks tmpl without rendering it: balanced block tags,
// empty placeholders, and deeply nested paths.
func Validate(tmpl string) Validation {
	v := Validation{Variables: ExtractVariables(tmpl)}

	if opens, closes := count(openIfRe, tmpl), count(closeIfRe, tmpl); opens != closes {
		v.Errors = append(v.Errors, fmt.Sprintf("unbalanced conditional blocks: %d {{#if}} vs %d {{/if}}", opens, closes))
	}
	if opens, closes := count(openEachRe, tmpl), count(closeEachRe, tmpl); opens != closes {
		v.Errors = append(v.Errors, fmt.Sprintf("unbalanced loop blocks: %d {{#each}} vs %d {{/each}}", opens, closes))
	}
	if emptyVarRe.MatchString(tmpl) {
		v.Errors = append(v.Errors, "empty placeholder {{}}")
	}
	for _, path := range v.Variables {
		if strings.Count(path, ".") >= 4 {
			v.Warnings = append(v.Warnings, fmt.Sprintf("deeply nested path %q is fragile against schema changes", path))
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}

func count(re *regexp.Regexp, s string) int {
	return len(re.FindAllString(s, -1))
}

// ExtractVariables lists the context paths a template references, in first
// appearance order, across all markup forms including block bodies.
// Loop-local bindings (this, @index, @first, @last) are scoping artifacts,
// not context variables, and are excluded.
func ExtractVariables(tmpl string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" || strings.HasPrefix(path, "@") {
			return
		}
		if path == "this" || strings.HasPrefix(path, "this.") {
			return
		}
		if seen[path] {
			return
		}
		seen[path] = true
		out = append(out, path)
	}

	for _, m := range condRe.FindAllStringSubmatch(tmpl, -1) {
		add(m[1])
	}
	for _, m := range loopRe.FindAllStringSubmatch(tmpl, -1) {
		add(m[1])
	}
	for _, m := range helperRe.FindAllStringSubmatch(tmpl, -1) {
		if _, known := helperFuncs[m[1]]; known {
			add(m[2])
		}
	}
	for _, m := range varRe.FindAllStringSubmatch(tmpl, -1) {
		add(m[1])
	}
	return out
}
