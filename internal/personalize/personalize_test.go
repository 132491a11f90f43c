package personalize

import (
	"reflect"
	"testing"

	"github.com/foxzi/mailrun/internal/recipient"
)

func TestRender(t *testing.T) {
	rec := recipient.FromMap(
		[]string{"Email", "name", "company", "empty"},
		map[string]string{"Email": "a@x.test", "name": "Alice", "company": "Acme", "empty": ""},
	)

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"single", "Hello {{name}}", "Hello Alice"},
		{"repeated", "{{name}} / {{name}}", "Alice / Alice"},
		{"multiple columns", "{{name}} at {{company}}", "Alice at Acme"},
		{"unknown kept", "Hi {{nickname}}", "Hi {{nickname}}"},
		{"empty value", "[{{empty}}]", "[]"},
		{"spaces are part of the name", "{{ name }}", "{{ name }}"},
		{"no placeholders", "plain text", "plain text"},
		{"empty template", "", ""},
		{"html", "<p>{{Email}}</p>", "<p>a@x.test</p>"},
		{"extra braces", "{{{name}}}", "{Alice}"},
		{"unclosed", "{{name} {{company}}", "{{name} Acme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, rec); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRenderOddColumnNames(t *testing.T) {
	rec := recipient.FromMap(
		[]string{"a", "a}b", "{x}", "loop"},
		map[string]string{"a": "1", "a}b": "2", "{x}": "3", "loop": "{{a}}"},
	)

	tests := []struct {
		template string
		want     string
	}{
		{"{{a}b}}", "2"},
		{"{{a}} {{a}b}}", "1 2"},
		{"{{{x}}}", "3"},
		{"{{loop}}", "{{a}}"},
	}
	for _, tt := range tests {
		if got := Render(tt.template, rec); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestRenderDeterministic(t *testing.T) {
	rec := recipient.FromMap([]string{"name"}, map[string]string{"name": "Bob"})
	tmpl := "Dear {{name}}, {{unknown}}"

	first := Render(tmpl, rec)
	for i := 0; i < 10; i++ {
		if got := Render(tmpl, rec); got != first {
			t.Fatalf("Render() not deterministic: %q vs %q", got, first)
		}
	}
}

func TestRenderNilFields(t *testing.T) {
	if got := Render("{{a}}", nil); got != "{{a}}" {
		t.Errorf("Render(nil) = %q", got)
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{b}} {{a}} {{b}} {{First Name}}")
	want := []string{"First Name", "a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders() = %v, want %v", got, want)
	}
}

func TestMissing(t *testing.T) {
	got := Missing("{{name}} {{company}} {{city}}", []string{"Email", "name"})
	want := []string{"city", "company"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}

	if got := Missing("{{{name}}}", []string{"name"}); got != nil {
		t.Errorf("Missing() = %v, want nil for a braced placeholder", got)
	}

	if got := Missing("no placeholders", nil); got != nil {
		t.Errorf("Missing() = %v, want nil", got)
	}
}
