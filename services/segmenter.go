package services

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
)

// Default page box for sub-page rectangles when the source box is unknown (A4)
const (
	defaultPageWidth  = 595.0
	defaultPageHeight = 842.0
)

// Boundary ranks. A unit's range runs to the next boundary of
// equal-or-higher rank.
const (
	rankRomanPart = iota
	rankLetterPart
	rankQuestion
)

var (
	// High priority: a leading integer followed by an uppercase letter or
	// an opening parenthesis. Accepted immediately.
	reQuestionHigh = regexp.MustCompile(`^(\d{1,2})\s*[.)]?\s*[A-Z(]`)
	// Low priority: a bare integer, possibly with a trailing dot or
	// parenthesis. Accepted only if a guard keyword follows within the
	// profile's lookahead window.
	reQuestionLow = regexp.MustCompile(`^(\d{1,2})\s*[.)]?$`)
	// Letter part, optionally with a nested roman numeral: "(a)", "(b)(i)"
	rePart = regexp.MustCompile(`^\(([a-h])\)\s*(?:\(([ivx]{1,4})\))?`)
	// Roman sub-part on its own: "(ii)"
	reRomanPart = regexp.MustCompile(`^\(([ivx]{1,4})\)`)
	// Total-mark fence on its own line: "[Total: 8]",
	// "(Total for Question 5 = 12 marks)". Anchored to the line start so
	// question text that merely mentions a total ("calculate the total
	// resistance [3]") stays inside the unit.
	reTotalFence = regexp.MustCompile(`(?i)^[\[(]?\s*total\b(?:\s+for\s+question\s+\d{1,2})?\s*[:=]?\s*(\d{1,3})\s*(?:marks?)?\s*[\])]?$`)
	// Per-part mark tag at end of line: "... [2]"
	reMarkTag = regexp.MustCompile(`\[(\d{1,2})\]\s*$`)
	// Diagram references
	reDiagram = regexp.MustCompile(`(?i)\bfig\.?\s*\d|\bdiagram\b|\bgraph below\b`)
)

// SegmentedUnit is the segmenter's in-memory unit before persistence
type SegmentedUnit struct {
	Number     string
	PartCode   string
	Spans      []model.PageSpan
	Excerpt    string
	Marks      int
	HasDiagram bool
}

// SegmentResult is the per-paper output of segmentation
type SegmentResult struct {
	Units           []SegmentedUnit
	SchemePages     []PageText
	Warnings        []string
	QuestionPages   int
	MarkSchemePages int
	TotalQuestions  int // distinct question numbers
}

// Segmenter splits exam documents into ordered per-question units using
// layout and text-pattern heuristics. Detection is fully deterministic:
// the same document and profile always yield the same boundaries.
type Segmenter struct {
	profiles  *SubjectProfiles
	extractor *PDFExtractor
}

// NewSegmenter creates a segmenter over the given profile set
func NewSegmenter(profiles *SubjectProfiles) *Segmenter {
	return &Segmenter{
		profiles:  profiles,
		extractor: NewPDFExtractor(),
	}
}

// Segment decomposes a question paper and its mark scheme into question
// units. The mark scheme is only decoded here; entry parsing and linking
// happen in the linker. Returns a SegmentationError wrapping
// ErrNoBoundaries when no question boundary exists at all.
func (s *Segmenter) Segment(ctx context.Context, questionPDF, markSchemePDF []byte, meta model.PaperMeta) (*SegmentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	profile := s.profiles.For(meta.SubjectCode)

	qPages, err := s.extractor.ExtractPages(questionPDF)
	if err != nil {
		return nil, fmt.Errorf("failed to decode question paper: %w", err)
	}

	result := &SegmentResult{QuestionPages: len(qPages)}

	msPages, err := s.extractor.ExtractPages(markSchemePDF)
	if err != nil {
		// A broken mark scheme degrades links to unmatched, it does not
		// abort the paper.
		warn := fmt.Sprintf("mark scheme could not be decoded: %v", err)
		log.Printf("Segmenter: %s", warn)
		result.Warnings = append(result.Warnings, warn)
	} else {
		result.SchemePages = msPages
		result.MarkSchemePages = len(msPages)
	}

	units, warnings := SegmentPages(qPages, profile, meta)
	result.Warnings = append(result.Warnings, warnings...)
	result.Units = units

	seen := map[string]bool{}
	for _, u := range units {
		seen[u.Number] = true
	}
	result.TotalQuestions = len(seen)

	if len(units) == 0 {
		return nil, &SegmentationError{
			PaperLabel: meta.Label(),
			Err:        ErrNoBoundaries,
		}
	}

	log.Printf("Segmenter: %d units across %d questions (%d pages)", len(units), result.TotalQuestions, len(qPages))
	return result, nil
}

// posLine is a text line with its document position
type posLine struct {
	page int
	y    float64
	text string
}

// boundary marks the start of a unit, or a total-mark fence
type boundary struct {
	rank     int
	number   string
	partCode string
	lineIdx  int // index into the flattened line slice
	page     int
	y        float64
	fence    bool // fences close units but never open one
	marks    int  // fence value
}

// SegmentPages runs boundary detection over already-extracted pages.
// Exported so tests can drive it with synthetic page text.
func SegmentPages(pages []PageText, profile *SubjectProfile, meta model.PaperMeta) ([]SegmentedUnit, []string) {
	var warnings []string

	lines := flatten(pages, profile)
	boundaries := detectBoundaries(lines, profile)

	if len(boundaries) == 0 {
		return nil, warnings
	}

	units := buildUnits(lines, boundaries, pages)

	questions := map[string]bool{}
	for _, u := range units {
		questions[u.Number] = true
	}
	if len(questions) < profile.ExpectedMin || len(questions) > profile.ExpectedMax {
		warn := fmt.Sprintf("%s: detected %d questions, expected %d-%d",
			meta.Label(), len(questions), profile.ExpectedMin, profile.ExpectedMax)
		log.Printf("Segmenter: warning: %s", warn)
		warnings = append(warnings, warn)
	}

	return units, warnings
}

// flatten drops denied lines and produces one ordered slice across pages
func flatten(pages []PageText, profile *SubjectProfile) []posLine {
	var lines []posLine
	for _, pt := range pages {
		for _, l := range pt.Lines {
			if profile.isDenied(l.Text) {
				continue
			}
			lines = append(lines, posLine{page: pt.Page, y: l.Y, text: l.Text})
		}
	}
	return lines
}

// detectBoundaries walks the lines once, tracking the expected next
// question number and the active part context
func detectBoundaries(lines []posLine, profile *SubjectProfile) []boundary {
	var out []boundary
	nextQuestion := 1
	activeQuestion := ""
	activePart := "" // letter of the open part, for nesting romans
	fenced := false  // a fence closed the active question; only a new question may open

	for i, l := range lines {
		text := strings.TrimSpace(l.text)

		if m := reTotalFence.FindStringSubmatch(text); m != nil && activeQuestion != "" {
			marks, _ := strconv.Atoi(m[1])
			out = append(out, boundary{
				rank: rankQuestion, fence: true, marks: marks,
				lineIdx: i, page: l.page, y: l.y,
			})
			fenced = true
			activePart = ""
			continue
		}

		if num, ok := matchQuestionStart(lines, i, profile); ok {
			// Numbering is anchored at 1 and strictly increasing; restarts
			// and backwards jumps are misreads (page numbers, data values).
			if num != nextQuestion && num != nextQuestion+1 {
				continue
			}
			if num == nextQuestion+1 {
				// A skipped question usually means its start line was lost;
				// carry on rather than fail.
				log.Printf("Segmenter: question %d not detected, jumping to %d", nextQuestion, num)
			}
			out = append(out, boundary{
				rank: rankQuestion, number: strconv.Itoa(num),
				lineIdx: i, page: l.page, y: l.y,
			})
			activeQuestion = strconv.Itoa(num)
			activePart = ""
			fenced = false
			nextQuestion = num + 1

			// "1 (a) ..." opens the first part on the same line
			rest := text[len(strconv.Itoa(num)):]
			rest = strings.TrimLeft(rest, ".) \t")
			if pm := rePart.FindStringSubmatch(rest); pm != nil {
				out = appendPartBoundaries(out, activeQuestion, pm[1], pm[2], i, l)
				activePart = pm[1]
			}
			continue
		}

		if activeQuestion == "" || fenced {
			// Sub-parts may never cross a total-mark fence.
			continue
		}

		if pm := rePart.FindStringSubmatch(text); pm != nil {
			out = appendPartBoundaries(out, activeQuestion, pm[1], pm[2], i, l)
			activePart = pm[1]
			continue
		}

		if rm := reRomanPart.FindStringSubmatch(text); rm != nil && activePart != "" {
			// Bare roman numeral nested under the open letter part
			if !isRoman(rm[1]) {
				continue
			}
			out = append(out, boundary{
				rank: rankRomanPart, number: activeQuestion, partCode: activePart + "(" + rm[1] + ")",
				lineIdx: i, page: l.page, y: l.y,
			})
		}
	}

	return out
}

// matchQuestionStart applies the high-priority pattern, then the
// low-priority pattern with the guard-keyword lookahead
func matchQuestionStart(lines []posLine, i int, profile *SubjectProfile) (int, bool) {
	text := strings.TrimSpace(lines[i].text)

	if m := reQuestionHigh.FindStringSubmatch(text); m != nil {
		num, err := strconv.Atoi(m[1])
		if err == nil {
			return num, true
		}
	}

	if m := reQuestionLow.FindStringSubmatch(text); m != nil {
		num, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		// Bare integers are page numbers more often than questions; demand
		// a domain keyword close by on the same page.
		for j := i + 1; j <= i+profile.GuardLookahead && j < len(lines); j++ {
			if lines[j].page != lines[i].page {
				break
			}
			if profile.hasGuardKeyword(lines[j].text) {
				return num, true
			}
		}
	}

	return 0, false
}

// appendPartBoundaries emits the boundaries opened by a part line. A
// combined "(b)(i)" line opens both the letter part and its first roman
// sub-part, so it emits one boundary at each rank; the letter-level one
// closes the previous letter part's range.
func appendPartBoundaries(out []boundary, question, letter, roman string, i int, l posLine) []boundary {
	out = append(out, boundary{
		rank: rankLetterPart, number: question, partCode: letter,
		lineIdx: i, page: l.page, y: l.y,
	})
	if roman != "" {
		out = append(out, boundary{
			rank: rankRomanPart, number: question, partCode: letter + "(" + roman + ")",
			lineIdx: i, page: l.page, y: l.y,
		})
	}
	return out
}

func isRoman(s string) bool {
	switch s {
	case "i", "ii", "iii", "iv", "v", "vi", "vii", "viii", "ix", "x":
		return true
	}
	return false
}

// buildUnits turns the boundary list into units with page spans, excerpts
// and marks
func buildUnits(lines []posLine, boundaries []boundary, pages []PageText) []SegmentedUnit {
	lastPage := 0
	if len(pages) > 0 {
		lastPage = pages[len(pages)-1].Page
	}

	// A boundary that immediately contains lower-rank boundaries is a
	// container: its stem folds into the first child, and no unit is
	// emitted for the container itself. This keeps one unit per leaf part
	// with no overlapping ranges, while whole questions without parts
	// still become single units with an empty part code.
	skip := make([]bool, len(boundaries))
	for bi, b := range boundaries {
		if b.fence {
			continue
		}
		for bj := bi + 1; bj < len(boundaries); bj++ {
			nb := boundaries[bj]
			if nb.fence || nb.rank >= b.rank {
				break
			}
			if nb.number == b.number && strings.HasPrefix(nb.partCode, b.partCode) {
				skip[bi] = true
			}
			break
		}
	}

	var units []SegmentedUnit
	for bi, b := range boundaries {
		if b.fence || skip[bi] {
			continue
		}

		// Fold the stems of directly preceding skipped containers into
		// this, their first child
		startPage, startY, startLine := b.page, b.y, b.lineIdx
		for bj := bi - 1; bj >= 0; bj-- {
			pb := boundaries[bj]
			if pb.fence || !skip[bj] || pb.rank <= b.rank {
				break
			}
			startPage, startY, startLine = pb.page, pb.y, pb.lineIdx
		}

		// End: next boundary of equal-or-higher rank, or a fence, or EOF
		endLine := len(lines)
		endPage := lastPage
		endY := 0.0
		exclusiveEnd := len(lines)
		if bi+1 < len(boundaries) {
			exclusiveEnd = boundaries[bi+1].lineIdx
		}
		for bj := bi + 1; bj < len(boundaries); bj++ {
			nb := boundaries[bj]
			if nb.fence || nb.rank >= b.rank {
				endLine = nb.lineIdx
				endPage = nb.page
				endY = nb.y
				if nb.fence && nb.rank >= b.rank {
					// Keep the fence line inside question-level units so the
					// total is part of the excerpt range.
					endLine = nb.lineIdx + 1
				}
				break
			}
		}

		unit := SegmentedUnit{
			Number:   b.number,
			PartCode: b.partCode,
			Spans:    buildSpans(startPage, startY, endPage, endY),
		}

		// Excerpt and diagram flag from the unit's full range
		var excerpt strings.Builder
		for li := startLine; li < endLine && li < len(lines); li++ {
			if excerpt.Len() > 0 {
				excerpt.WriteString(" ")
			}
			excerpt.WriteString(lines[li].text)
			if reDiagram.MatchString(lines[li].text) {
				unit.HasDiagram = true
			}
			if excerpt.Len() > 600 {
				break
			}
		}
		unit.Excerpt = truncate(excerpt.String(), 600)

		// Marks: sum of mark tags in the exclusive range (before any nested
		// boundary); whole-question units take the fence value when present.
		for li := b.lineIdx; li < exclusiveEnd && li < len(lines); li++ {
			if m := reMarkTag.FindStringSubmatch(lines[li].text); m != nil {
				v, _ := strconv.Atoi(m[1])
				unit.Marks += v
			}
		}
		if b.rank == rankQuestion && b.partCode == "" {
			for bj := bi + 1; bj < len(boundaries); bj++ {
				if boundaries[bj].fence {
					unit.Marks = boundaries[bj].marks
					break
				}
				if boundaries[bj].rank == rankQuestion && !boundaries[bj].fence {
					break
				}
			}
		}

		units = append(units, unit)
	}

	return units
}

// buildSpans produces one PageSpan per page between two positions.
// Rects narrow a span to part of a page; nil means the whole page.
func buildSpans(startPage int, startY float64, endPage int, endY float64) []model.PageSpan {
	if endPage < startPage {
		endPage = startPage
	}

	var spans []model.PageSpan
	for p := startPage; p <= endPage; p++ {
		span := model.PageSpan{Page: p}
		var top, bottom float64
		top = defaultPageHeight
		bottom = 0
		if p == startPage && startY > 0 {
			top = startY
		}
		if p == endPage && endY > 0 {
			bottom = endY
		}
		if top < defaultPageHeight || bottom > 0 {
			span.Rect = &model.Rect{X0: 0, Y0: bottom, X1: defaultPageWidth, Y1: top}
		}
		spans = append(spans, span)
	}
	return spans
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
