package services

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
)

func validCriteria() WorksheetCriteria {
	return WorksheetCriteria{
		TopicCodes: []string{"1", "3"},
		YearFrom:   2018,
		YearTo:     2022,
		MaxCount:   10,
	}
}

func TestCriteriaHashStable(t *testing.T) {
	a := validCriteria()
	b := validCriteria()
	if a.Hash() != b.Hash() {
		t.Error("identical criteria must hash identically")
	}
}

func TestCriteriaHashIgnoresTopicOrder(t *testing.T) {
	a := validCriteria()
	b := validCriteria()
	b.TopicCodes = []string{"3", "1"}
	if a.Hash() != b.Hash() {
		t.Error("topic code order must not change the hash")
	}

	// Hashing must not reorder the caller's slice
	if !reflect.DeepEqual(b.TopicCodes, []string{"3", "1"}) {
		t.Error("Hash must not mutate the criteria")
	}
}

func TestCriteriaHashDistinguishesCriteria(t *testing.T) {
	a := validCriteria()

	cases := []WorksheetCriteria{}
	c := validCriteria()
	c.YearTo = 2023
	cases = append(cases, c)
	c = validCriteria()
	c.Difficulty = model.DifficultyHard
	cases = append(cases, c)
	c = validCriteria()
	c.TopicCodes = []string{"1"}
	cases = append(cases, c)
	c = validCriteria()
	c.MaxCount = 5
	cases = append(cases, c)

	for i, other := range cases {
		if a.Hash() == other.Hash() {
			t.Errorf("case %d: different criteria must not collide", i)
		}
	}
}

func TestAssembleRejectsInvalidCriteria(t *testing.T) {
	assembler := NewWorksheetAssembler(AssemblerConfig{})

	cases := []struct {
		name     string
		criteria WorksheetCriteria
	}{
		{"no topics", WorksheetCriteria{YearFrom: 2018, YearTo: 2022, MaxCount: 10}},
		{"empty topic code", WorksheetCriteria{TopicCodes: []string{""}, YearFrom: 2018, YearTo: 2022, MaxCount: 10}},
		{"year range inverted", WorksheetCriteria{TopicCodes: []string{"1"}, YearFrom: 2022, YearTo: 2018, MaxCount: 10}},
		{"year out of range", WorksheetCriteria{TopicCodes: []string{"1"}, YearFrom: 1887, YearTo: 2022, MaxCount: 10}},
		{"zero count", WorksheetCriteria{TopicCodes: []string{"1"}, YearFrom: 2018, YearTo: 2022}},
		{"bad difficulty", WorksheetCriteria{TopicCodes: []string{"1"}, YearFrom: 2018, YearTo: 2022, MaxCount: 10, Difficulty: "extreme"}},
	}

	for _, tc := range cases {
		if _, err := assembler.Assemble(context.Background(), tc.criteria); err == nil {
			t.Errorf("%s: expected a validation error", tc.name)
		}
	}
}

func TestShuffleUnitsPreservesMembership(t *testing.T) {
	units := make([]model.QuestionUnit, 20)
	for i := range units {
		units[i].ID = uint(i + 1)
	}

	shuffled := make([]model.QuestionUnit, len(units))
	copy(shuffled, units)
	shuffleUnits(shuffled, rand.New(rand.NewSource(42)))

	seen := map[uint]bool{}
	for _, u := range shuffled {
		seen[u.ID] = true
	}
	if len(seen) != len(units) {
		t.Fatalf("shuffle lost units: %d distinct of %d", len(seen), len(units))
	}

	// A fixed seed gives a reproducible permutation
	again := make([]model.QuestionUnit, len(units))
	copy(again, units)
	shuffleUnits(again, rand.New(rand.NewSource(42)))
	if !reflect.DeepEqual(shuffled, again) {
		t.Error("same seed must give the same permutation")
	}
}

func TestTruncateUnits(t *testing.T) {
	units := make([]model.QuestionUnit, 5)

	if got := truncateUnits(units, 3); len(got) != 3 {
		t.Errorf("expected 3 units, got %d", len(got))
	}
	if got := truncateUnits(units, 5); len(got) != 5 {
		t.Errorf("expected all 5 units, got %d", len(got))
	}
	if got := truncateUnits(units, 10); len(got) != 5 {
		t.Errorf("expected all 5 units under a larger cap, got %d", len(got))
	}
}

func TestSpanPageSelection(t *testing.T) {
	spans := []model.PageSpan{
		{Page: 4},
		{Page: 2},
		{Page: 4}, // duplicate page from a split span
		{Page: 3},
		{Page: 0}, // never a valid page
	}

	got := spanPageSelection(spans)
	want := []string{"2", "3", "4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if got := spanPageSelection(nil); len(got) != 0 {
		t.Errorf("expected empty selection, got %v", got)
	}
}

// fakeArtifactStore keeps documents in memory
type fakeArtifactStore struct {
	objects map[string][]byte
	deleted []string
}

func (f *fakeArtifactStore) DownloadFile(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no stored object %s", key)
	}
	return data, nil
}

func (f *fakeArtifactStore) UploadBytes(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.objects[key] = data
	return "https://cdn.example/" + key, nil
}

func (f *fakeArtifactStore) DeleteFile(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	delete(f.objects, key)
	return nil
}

// makeTestPDF builds a minimal n-page PDF with a correct cross-reference
// table, enough for structural page operations
func makeTestPDF(t *testing.T, pages int) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	var offsets []int
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	kids := make([]string, pages)
	for i := 0; i < pages; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}

	writeObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	writeObj(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 595 842] >>\nendobj\n",
		strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		writeObj(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R >>\nendobj\n", i+3))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestBuildDocumentPageArithmetic(t *testing.T) {
	store := &fakeArtifactStore{objects: map[string][]byte{
		"papers/qp.pdf": makeTestPDF(t, 4),
		"papers/ms.pdf": makeTestPDF(t, 3),
	}}
	assembler := NewWorksheetAssembler(AssemblerConfig{Spaces: store})

	paper := model.Paper{QuestionDocKey: "papers/qp.pdf", MarkSchemeDocKey: "papers/ms.pdf"}
	units := []model.QuestionUnit{
		{
			PaperID:      1,
			Paper:        paper,
			Number:       "1",
			SourceRanges: []model.PageSpan{{Page: 1}, {Page: 2}},
			SchemeRanges: []model.PageSpan{{Page: 1}},
			Link:         &model.MarkSchemeLink{MatchMethod: model.MatchExact},
		},
		{
			PaperID:      1,
			Paper:        paper,
			Number:       "2",
			SourceRanges: []model.PageSpan{{Page: 4}},
			// no mark-scheme match
		},
	}

	doc, pages, err := assembler.buildDocument(context.Background(), units, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The worksheet page count is the sum of the selected units' source
	// page counts: 2 pages for unit 1 plus 1 page for unit 2.
	if pages != 3 {
		t.Errorf("expected 3 worksheet pages, got %d", pages)
	}
	if !bytes.HasPrefix(doc, []byte("%PDF")) {
		t.Error("expected a PDF document")
	}

	answers, answerPages, err := assembler.buildDocument(context.Background(), units, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Only unit 1 has a matched link, so the answer pack carries just its
	// single scheme page.
	if answerPages != 1 {
		t.Errorf("expected 1 answer page, got %d", answerPages)
	}
	if len(answers) == 0 {
		t.Error("expected an answer document")
	}
}

func TestBuildDocumentNoMatchedLinks(t *testing.T) {
	store := &fakeArtifactStore{objects: map[string][]byte{
		"papers/qp.pdf": makeTestPDF(t, 2),
	}}
	assembler := NewWorksheetAssembler(AssemblerConfig{Spaces: store})

	units := []model.QuestionUnit{{
		PaperID:      1,
		Paper:        model.Paper{QuestionDocKey: "papers/qp.pdf"},
		Number:       "1",
		SourceRanges: []model.PageSpan{{Page: 1}},
		Link:         &model.MarkSchemeLink{MatchMethod: model.MatchUnmatched},
	}}

	doc, pages, err := assembler.buildDocument(context.Background(), units, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc) != 0 || pages != 0 {
		t.Errorf("expected no answer pack without matched links, got %d pages", pages)
	}
}

func TestArtifactKeys(t *testing.T) {
	worksheetKey, answerKey := artifactKeys("worksheets/abc", true)
	if worksheetKey != "worksheets/abc/worksheet.pdf" || answerKey != "worksheets/abc/answers.pdf" {
		t.Errorf("unexpected keys %q, %q", worksheetKey, answerKey)
	}

	_, answerKey = artifactKeys("worksheets/abc", false)
	if answerKey != "" {
		t.Error("the answer key must stay empty when no answer pack exists")
	}
}
