// Package personalize substitutes {{column}} placeholders with recipient values.
package personalize

import (
	"cmp"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// varPattern finds placeholders for warnings. Names holding braces are
// not reported, though Render still fills them.
var varPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Fields is a source of placeholder values. recipient.Record implements it.
type Fields interface {
	Columns() []string
	Get(column string) (string, bool)
}

// Render replaces {{column}} for every column of fields with its value.
// Placeholders naming unknown columns are kept verbatim. Names are matched
// exactly, including surrounding spaces and braces, and inserted values
// are not scanned again.
func Render(template string, fields Fields) string {
	if template == "" || fields == nil {
		return template
	}

	// Longest placeholder first, so {{a}b}} wins over {{a}} at one offset.
	columns := slices.Clone(fields.Columns())
	slices.SortStableFunc(columns, func(a, b string) int { return cmp.Compare(len(b), len(a)) })

	pairs := make([]string, 0, 2*len(columns))
	for _, col := range columns {
		value, _ := fields.Get(col)
		pairs = append(pairs, "{{"+col+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Placeholders returns the distinct placeholder names used in template, sorted.
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	for _, m := range varPattern.FindAllStringSubmatch(template, -1) {
		seen[m[1]] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing returns placeholders in template that none of columns can fill.
func Missing(template string, columns []string) []string {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}

	var missing []string
	for _, name := range Placeholders(template) {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
