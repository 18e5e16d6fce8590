package services

import (
	"math"
	"strings"
	"testing"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
)

func TestParseMarkSchemeTabularLayout(t *testing.T) {
	// Tabular rows collapse to one line per entry after row extraction
	pages := []PageText{
		page(1,
			"1(a) correct substitution into v = u + at M1 final answer 12 m/s A1 [2]",
			"1(b) air resistance increases with speed B1 [1]",
			"2(a)(i) kinetic energy to thermal energy B1 [1]",
		),
	}

	entries := ParseMarkScheme(pages, physicsProfile(t))
	if len(entries) != 3 {
		for _, e := range entries {
			t.Logf("entry %s marks=%d", e.Key(), e.Marks)
		}
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	want := []struct {
		key   string
		marks int
	}{
		{"1|a", 2},
		{"1|b", 1},
		{"2|a(i)", 1},
	}
	for i, w := range want {
		if entries[i].Key() != w.key {
			t.Errorf("entry %d: expected key %s, got %s", i, w.key, entries[i].Key())
		}
		if entries[i].Marks != w.marks {
			t.Errorf("entry %s: expected %d marks, got %d", w.key, w.marks, entries[i].Marks)
		}
	}
}

func TestParseMarkSchemeIndentedLayout(t *testing.T) {
	pages := []PageText{
		page(1,
			"Question 3(a)",
			"M1 uses F = ma with consistent units",
			"A1 force = 15 N",
			"Question 3(b)",
			"B1 friction opposes relative motion",
		),
	}

	entries := ParseMarkScheme(pages, physicsProfile(t))
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	first := entries[0]
	if first.Key() != "3|a" {
		t.Fatalf("expected key 3|a, got %s", first.Key())
	}
	if len(first.MarkPoints) != 2 {
		t.Fatalf("expected 2 mark points, got %d: %+v", len(first.MarkPoints), first.MarkPoints)
	}
	if first.MarkPoints[0].Code != "M1" || first.MarkPoints[1].Code != "A1" {
		t.Errorf("expected codes M1 and A1, got %s and %s", first.MarkPoints[0].Code, first.MarkPoints[1].Code)
	}
	if first.Marks != 2 {
		t.Errorf("expected marks summed from points to be 2, got %d", first.Marks)
	}
}

func TestParseMarkSchemeCompactLayout(t *testing.T) {
	pages := []PageText{
		page(1,
			"4(a) B1: wavelength stated; M1: uses v = f lambda; A1: 340 m/s",
		),
	}

	entries := ParseMarkScheme(pages, physicsProfile(t))
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if len(entries[0].MarkPoints) != 3 {
		t.Fatalf("expected 3 mark points, got %d: %+v", len(entries[0].MarkPoints), entries[0].MarkPoints)
	}
	if entries[0].Marks != 3 {
		t.Errorf("expected 3 marks, got %d", entries[0].Marks)
	}
}

func TestParseMarkSchemeNumericAnswerLinesExtendEntry(t *testing.T) {
	// Accepted-value lines inside an entry start with numbers; they must
	// extend the open entry, not open a phantom one.
	pages := []PageText{
		page(1,
			"3(a) M1 uses g = 9.8 m/s",
			"9.8 accepted",
			"12 m/s allowed",
			"3(b) B1 correct unit",
		),
	}

	entries := ParseMarkScheme(pages, physicsProfile(t))
	if len(entries) != 2 {
		for _, e := range entries {
			t.Logf("entry %s snippet=%q", e.Key(), e.RawSnippet)
		}
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Key() != "3|a" || entries[1].Key() != "3|b" {
		t.Errorf("expected keys 3|a and 3|b, got %s and %s", entries[0].Key(), entries[1].Key())
	}
	for _, want := range []string{"9.8 accepted", "12 m/s allowed"} {
		if !strings.Contains(entries[0].RawSnippet, want) {
			t.Errorf("expected %q inside the 3|a snippet, got %q", want, entries[0].RawSnippet)
		}
	}
}

func TestLinkMarkSchemeMethods(t *testing.T) {
	units := []SegmentedUnit{
		{Number: "1", PartCode: "a", Marks: 2, Excerpt: "Calculate the velocity using v = u + at giving answer in m/s"},
		{Number: "2", PartCode: "a(i)", Marks: 1, Excerpt: "State the energy transfer"},
		{Number: "3", PartCode: "", Marks: 4, Excerpt: "Explain thermal conduction in metals"},
		{Number: "9", PartCode: "z", Marks: 5, Excerpt: "No matching entry exists"},
	}
	entries := []MarkSchemeEntry{
		{Number: "1", PartCode: "a", Marks: 2, RawSnippet: "v = u + at used, 12 m/s", MarkPoints: []model.MarkPoint{{Code: "M1", Value: 1}, {Code: "A1", Value: 1}}},
		// Alternate bracket style resolves via the normalized key
		{Number: "02", PartCode: "ai", Marks: 1, RawSnippet: "kinetic to thermal", MarkPoints: []model.MarkPoint{{Code: "B1", Value: 1}}},
		// Key differs entirely, but the question number is unique and marks agree
		{Number: "3", PartCode: "x", Marks: 4, RawSnippet: "conduction by lattice vibration and free electrons", MarkPoints: []model.MarkPoint{{Code: "B4", Value: 4}}},
	}

	results := LinkMarkScheme(units, entries)
	if len(results) != len(units) {
		t.Fatalf("expected %d results, got %d", len(units), len(results))
	}

	wantMethods := []model.MatchMethod{
		model.MatchExact,
		model.MatchFuzzy,
		model.MatchMarksOnly,
		model.MatchUnmatched,
	}
	for i, want := range wantMethods {
		if results[i].MatchMethod != want {
			t.Errorf("unit %d: expected method %s, got %s", i, want, results[i].MatchMethod)
		}
	}

	if results[3].Confidence != 0 || len(results[3].MarkPoints) != 0 {
		t.Error("unmatched link must have zero confidence and no mark points")
	}
}

func TestLinkMarkSchemeConfidenceWeights(t *testing.T) {
	unit := SegmentedUnit{Number: "1", PartCode: "a", Marks: 2, Excerpt: "uses v = u + at, answer 12 m/s"}
	entry := MarkSchemeEntry{Number: "1", PartCode: "a", Marks: 2, RawSnippet: "v = u + at, accept 12 m/s"}

	results := LinkMarkScheme([]SegmentedUnit{unit}, []MarkSchemeEntry{entry})
	got := results[0].Confidence

	// Exact key (0.4) + equal marks (0.3) + positive lexical overlap
	if got < 0.7 {
		t.Errorf("expected confidence >= 0.7 for exact key and equal marks, got %f", got)
	}
	if got > 1.0 {
		t.Errorf("confidence must not exceed 1, got %f", got)
	}

	// Off-by-one marks halve the agreement component
	unit.Marks = 3
	results = LinkMarkScheme([]SegmentedUnit{unit}, []MarkSchemeEntry{entry})
	diff := got - results[0].Confidence
	if math.Abs(diff-0.15) > 1e-9 {
		t.Errorf("expected off-by-one marks to cost exactly 0.15, cost %f", diff)
	}
}

func TestMarkAgreement(t *testing.T) {
	cases := []struct {
		unit, entry int
		want        float64
	}{
		{2, 2, 1.0},
		{2, 3, 0.5},
		{2, 5, 0},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := markAgreement(c.unit, c.entry); got != c.want {
			t.Errorf("markAgreement(%d, %d) = %f, want %f", c.unit, c.entry, got, c.want)
		}
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		number, part string
		want         string
	}{
		{"02", "a(ii)", "2|aii"},
		{"2", "aii", "2|aii"},
		{"2", "A(II)", "2|aii"},
		{"11", "", "11|"},
	}
	for _, c := range cases {
		if got := normalizeKey(c.number, c.part); got != c.want {
			t.Errorf("normalizeKey(%q, %q) = %q, want %q", c.number, c.part, got, c.want)
		}
	}
}

func TestLexicalOverlapCues(t *testing.T) {
	a := "calculate using v = u + at and give your answer in 12 m/s"
	b := "v = u + at rearranged, 12 m/s"
	if got := lexicalOverlap(a, b); got <= 0 {
		t.Errorf("expected shared formula and unit cues to overlap, got %f", got)
	}

	if got := lexicalOverlap("describe the structure", "7"); got != 0 {
		t.Errorf("expected no overlap without shared cues, got %f", got)
	}
}
