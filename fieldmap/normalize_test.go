package fieldmap

import (
	"math"
	"testing"

	"github.com/mmdatafocus/formsync_backend/crm"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"First_Name":    "firstname",
		" e-mail ":      "email",
		"Último Nombre": "ultimonombre",
		"Straße":        "straße",
		"Phone #2":      "phone2",
		"ÇA_VA?":        "cava",
		"":              "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHumanize(t *testing.T) {
	cases := map[string]string{
		"favorite_color":   "Favorite Color",
		"preferredContact": "Preferred Contact",
		"how-did-you-hear": "How Did You Hear",
		"utm source":       "Utm Source",
	}
	for in, want := range cases {
		if got := Humanize(in); got != want {
			t.Fatalf("Humanize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScorers(t *testing.T) {
	near := func(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

	overlap := CharOverlapScorer{}
	if got := overlap.Score("notes", "stone"); !near(got, 1) {
		t.Fatalf("overlap anagram = %v", got)
	}
	if got := overlap.Score("unknownx", "lastname"); !near(got, 0.125) {
		t.Fatalf("overlap unrelated = %v", got)
	}
	if got := overlap.Score("", "abc"); got != 0 {
		t.Fatalf("overlap empty = %v", got)
	}

	edit := LevenshteinScorer{}
	if got := edit.Score("kitten", "sitting"); !near(got, 1-3.0/7.0) {
		t.Fatalf("levenshtein kitten/sitting = %v", got)
	}
	if got := edit.Score("notes", "stone"); got >= DefaultHeuristicFloor {
		t.Fatalf("levenshtein anagram = %v", got)
	}
}

func TestInferFieldSpec(t *testing.T) {
	cases := []struct {
		key   string
		value any
		want  string
	}{
		{"newsletter", true, crm.DataTypeBoolean},
		{"newsletter", "false", crm.DataTypeBoolean},
		{"interests", []any{"a", "b"}, crm.DataTypeMultiSelect},
		{"backup_email", "x@y.com", crm.DataTypeEmail},
		{"alt_number", "(201) 555-0123", crm.DataTypePhone},
		{"plan_type", "Gold", crm.DataTypePicklist},
		{"nickname", "Bob", crm.DataTypeText},
		{"story", "line one\nline two", crm.DataTypeTextArea},
	}
	for _, tc := range cases {
		spec := InferFieldSpec(tc.key, tc.value, "US")
		if spec.DataType != tc.want {
			t.Fatalf("%s=%v inferred %s, want %s", tc.key, tc.value, spec.DataType, tc.want)
		}
	}
	if spec := InferFieldSpec("interests", []any{"a", "b", "a"}, "US"); len(spec.PicklistValues) != 2 {
		t.Fatalf("picklist values = %v", spec.PicklistValues)
	}
}
