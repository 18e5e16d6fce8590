package services

import (
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
)

// MarkSchemeEntry is one parsed answer entry keyed by (question number,
// part code)
type MarkSchemeEntry struct {
	Number     string
	PartCode   string
	MarkPoints []model.MarkPoint
	RawSnippet string
	Marks      int
	Spans      []model.PageSpan
}

// Key returns the composite lookup key of the entry
func (e *MarkSchemeEntry) Key() string {
	return e.Number + "|" + e.PartCode
}

// LinkResult pairs one segmented unit with its mark-scheme match
type LinkResult struct {
	UnitIndex   int
	MarkPoints  []model.MarkPoint
	RawSnippet  string
	Confidence  float64
	MatchMethod model.MatchMethod
	SchemeSpans []model.PageSpan
}

var (
	// Entry key at line start, tolerating the three common layouts:
	// "1(a)(ii) ...", "Question 1 (a) ...", "1 a ii ..."
	reMSKey = regexp.MustCompile(`(?i)^(?:question\s+)?(\d{1,2})\s*(?:\(?([a-h])\)?)?\s*(?:\(([ivx]{1,4})\))?\s*[:.)]?\s*(.*)$`)
	// Individual mark point codes: M1, A1, B2, C1...
	reMarkPoint = regexp.MustCompile(`\b([MABC])(\d)\b\s*[:.]?\s*`)
	// Formula-shaped cue tokens in either document
	reFormulaCue = regexp.MustCompile(`[a-z]\s*=\s*[a-z0-9²³ +*/.\-]+`)
	// Numeric value + unit cue tokens
	reUnitCue = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(m/s²?|m/s|km/h|n/kg|kg|n|j|w|v|a|hz|ω|ohm|°c|k|pa|cm|mm|m|s)\b`)
)

// ParseMarkScheme parses the mark-scheme pages into entries. The parser
// is layout-tolerant: tabular rows collapse to one line per entry,
// indented layouts put the key on its own header line with mark points
// below, and compact layouts inline everything. All three reduce to
// "key line starts entry; following keyless lines extend it".
func ParseMarkScheme(pages []PageText, profile *SubjectProfile) []MarkSchemeEntry {
	var entries []MarkSchemeEntry
	var current *MarkSchemeEntry

	flush := func() {
		if current == nil {
			return
		}
		if current.Marks == 0 {
			for _, p := range current.MarkPoints {
				current.Marks += p.Value
			}
		}
		entries = append(entries, *current)
		current = nil
	}

	for _, pt := range pages {
		for _, line := range pt.Lines {
			text := strings.TrimSpace(line.Text)
			if text == "" || profile.isDenied(text) {
				continue
			}

			if m := reMSKey.FindStringSubmatch(text); m != nil && looksLikeEntryStart(text, m) {
				flush()
				part := ""
				if m[2] != "" {
					part = strings.ToLower(m[2])
				}
				if m[3] != "" {
					part += "(" + strings.ToLower(m[3]) + ")"
				}
				current = &MarkSchemeEntry{
					Number:     strings.TrimLeft(m[1], "0"),
					PartCode:   part,
					RawSnippet: text,
					Spans:      []model.PageSpan{{Page: pt.Page}},
				}
				if mt := reMarkTag.FindStringSubmatch(text); mt != nil {
					current.Marks, _ = strconv.Atoi(mt[1])
				}
				appendMarkPoints(current, m[4])
				continue
			}

			if current != nil {
				current.RawSnippet += "\n" + text
				if last := &current.Spans[len(current.Spans)-1]; last.Page != pt.Page {
					current.Spans = append(current.Spans, model.PageSpan{Page: pt.Page})
				}
				if mt := reMarkTag.FindStringSubmatch(text); mt != nil && current.Marks == 0 {
					current.Marks, _ = strconv.Atoi(mt[1])
				}
				appendMarkPoints(current, text)
			}
		}
	}
	flush()

	log.Printf("MarkScheme: parsed %d entries", len(entries))
	return entries
}

// looksLikeEntryStart guards the very permissive key regex. A number with
// a part code or a "Question" prefix always opens an entry. A bare number
// only opens one when its remainder does not read as a numeric answer
// value: "9.8 accepted" and "12 m/s allowed" are continuation lines.
func looksLikeEntryStart(text string, m []string) bool {
	num, err := strconv.Atoi(m[1])
	if err != nil || num == 0 || num > 50 {
		return false
	}
	if m[2] != "" || m[3] != "" {
		return true
	}
	rest := strings.TrimSpace(m[4])
	if rest == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(text), "question") {
		return true
	}
	if rest[0] == '.' || (rest[0] >= '0' && rest[0] <= '9') {
		return false
	}
	if loc := reUnitCue.FindStringIndex(text); loc != nil && loc[0] == 0 {
		return false
	}
	return true
}

// appendMarkPoints splits a fragment into coded mark points. Fragments
// without any code become a single anonymous point worth one mark.
func appendMarkPoints(e *MarkSchemeEntry, text string) {
	text = strings.TrimSpace(reMarkTag.ReplaceAllString(text, ""))
	if text == "" {
		return
	}

	locs := reMarkPoint.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		// Compact layouts separate anonymous points with semicolons
		for _, frag := range strings.Split(text, ";") {
			frag = strings.TrimSpace(frag)
			if frag == "" {
				continue
			}
			e.MarkPoints = append(e.MarkPoints, model.MarkPoint{Text: frag, Value: 1})
		}
		return
	}

	for i, loc := range locs {
		code := text[loc[2]:loc[3]] + text[loc[4]:loc[5]]
		value, _ := strconv.Atoi(text[loc[4]:loc[5]])
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pointText := strings.Trim(strings.TrimSpace(text[loc[1]:end]), ";")
		e.MarkPoints = append(e.MarkPoints, model.MarkPoint{
			Code:  code,
			Text:  strings.TrimSpace(pointText),
			Value: value,
		})
	}
}

// LinkMarkScheme matches every unit to a mark-scheme entry. Every unit
// gets a result; units with no match get an unmatched link with
// confidence 0 rather than an error.
func LinkMarkScheme(units []SegmentedUnit, entries []MarkSchemeEntry) []LinkResult {
	exact := make(map[string]*MarkSchemeEntry, len(entries))
	fuzzy := make(map[string]*MarkSchemeEntry, len(entries))
	byNumber := make(map[string][]*MarkSchemeEntry)
	for i := range entries {
		e := &entries[i]
		exact[e.Key()] = e
		fuzzy[normalizeKey(e.Number, e.PartCode)] = e
		byNumber[strings.TrimLeft(e.Number, "0")] = append(byNumber[strings.TrimLeft(e.Number, "0")], e)
	}

	results := make([]LinkResult, 0, len(units))
	for i, u := range units {
		res := LinkResult{UnitIndex: i, MatchMethod: model.MatchUnmatched}

		var entry *MarkSchemeEntry
		keyQuality := 0.0

		if e, ok := exact[u.Number+"|"+u.PartCode]; ok {
			entry = e
			keyQuality = 1.0
			res.MatchMethod = model.MatchExact
		} else if e, ok := fuzzy[normalizeKey(u.Number, u.PartCode)]; ok {
			entry = e
			keyQuality = 0.5
			res.MatchMethod = model.MatchFuzzy
		} else if candidates := byNumber[strings.TrimLeft(u.Number, "0")]; len(candidates) == 1 && markAgreement(u.Marks, candidates[0].Marks) > 0 {
			// Same question number, unique candidate, mark values agree:
			// accept on marks alone.
			entry = candidates[0]
			res.MatchMethod = model.MatchMarksOnly
		}

		if entry == nil {
			results = append(results, res)
			continue
		}

		res.MarkPoints = entry.MarkPoints
		res.RawSnippet = entry.RawSnippet
		res.SchemeSpans = entry.Spans
		res.Confidence = 0.4*keyQuality +
			0.3*markAgreement(u.Marks, entry.Marks) +
			0.3*lexicalOverlap(u.Excerpt, entry.RawSnippet)
		results = append(results, res)
	}

	return results
}

// normalizeKey builds a bracket- and zero-insensitive composite key
func normalizeKey(number, part string) string {
	num := strings.TrimLeft(number, "0")
	var b strings.Builder
	for _, r := range strings.ToLower(part) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return num + "|" + b.String()
}

// markAgreement scores mark-value agreement: 1.0 equal, 0.5 off-by-one
func markAgreement(unitMarks, entryMarks int) float64 {
	if unitMarks == 0 && entryMarks == 0 {
		return 0
	}
	diff := unitMarks - entryMarks
	if diff < 0 {
		diff = -diff
	}
	switch diff {
	case 0:
		return 1.0
	case 1:
		return 0.5
	default:
		return 0
	}
}

// lexicalOverlap is the Jaccard similarity of the cue sets (formulas,
// value+unit tokens, distinctive terms) of two texts
func lexicalOverlap(questionText, schemeText string) float64 {
	a := extractCues(questionText)
	b := extractCues(schemeText)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for cue := range a {
		if b[cue] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// extractCues pulls formula tokens, value+unit tokens and distinctive
// long words from a text
func extractCues(text string) map[string]bool {
	lower := strings.ToLower(text)
	cues := map[string]bool{}

	for _, m := range reFormulaCue.FindAllString(lower, -1) {
		cues[strings.ReplaceAll(m, " ", "")] = true
	}
	for _, m := range reUnitCue.FindAllString(lower, -1) {
		cues[strings.ReplaceAll(m, " ", "")] = true
	}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z')
	}) {
		if len(w) >= 6 {
			cues[w] = true
		}
	}
	return cues
}

// BuildLink converts a LinkResult into the persistable model record
func (r *LinkResult) BuildLink(unitID uint) model.MarkSchemeLink {
	return model.MarkSchemeLink{
		QuestionUnitID: unitID,
		MarkPoints:     r.MarkPoints,
		RawSnippet:     truncate(r.RawSnippet, 4000),
		Confidence:     r.Confidence,
		MatchMethod:    r.MatchMethod,
	}
}
