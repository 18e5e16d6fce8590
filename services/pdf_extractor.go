package services

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Line is one text line on a page with its approximate position.
// Y decreases down the page (PDF user space, origin bottom-left).
type Line struct {
	X    float64
	Y    float64
	Text string
}

// PageText holds the ordered lines of one page (1-based index)
type PageText struct {
	Page  int
	Lines []Line
}

// PDFExtractor handles PDF text extraction using ledongthuc/pdf
type PDFExtractor struct{}

// NewPDFExtractor creates a new PDF extractor
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// sanitizePDF fixes common PDF issues like trailing garbage data.
// Many PDFs downloaded from exam-board sites have HTML or tracking data
// appended after %%EOF; truncate at the last valid end marker.
func sanitizePDF(content []byte) []byte {
	if len(content) == 0 {
		return content
	}

	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return content
	}

	eofMarker := []byte("%%EOF")
	lastEOF := bytes.LastIndex(content, eofMarker)
	if lastEOF == -1 {
		return content
	}

	pdfEnd := lastEOF + len(eofMarker)
	for pdfEnd < len(content) && (content[pdfEnd] == '\n' || content[pdfEnd] == '\r') {
		pdfEnd++
	}

	if pdfEnd < len(content) {
		extraBytes := len(content) - pdfEnd
		if extraBytes > 10 {
			log.Printf("PDF Extractor: Removing %d bytes of trailing garbage after %%EOF", extraBytes)
			return content[:pdfEnd]
		}
	}

	return content
}

// GetPageCount returns the total number of pages in the PDF
func (p *PDFExtractor) GetPageCount(content []byte) (int, error) {
	if len(content) == 0 {
		return 0, fmt.Errorf("empty PDF content")
	}

	content = sanitizePDF(content)
	reader := bytes.NewReader(content)

	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PDF: %w", err)
	}

	return pdfReader.NumPage(), nil
}

// ExtractPages extracts every page's text lines with positions. Rows are
// the natural unit for boundary detection, so plain-text fallback pages
// lose position information but keep their lines in order.
func (p *PDFExtractor) ExtractPages(content []byte) ([]PageText, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty PDF content")
	}

	content = sanitizePDF(content)
	reader := bytes.NewReader(content)

	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}

	numPages := pdfReader.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	pages := make([]PageText, 0, numPages)

	for i := 1; i <= numPages; i++ {
		page := pdfReader.Page(i)
		pt := PageText{Page: i}

		if page.V.IsNull() {
			log.Printf("PDF Extractor: Page %d is null, skipping", i)
			pages = append(pages, pt)
			continue
		}

		rows, err := page.GetTextByRow()
		if err != nil {
			log.Printf("PDF Extractor: Row extraction failed for page %d, trying plain text: %v", i, err)
			text, plainErr := page.GetPlainText(nil)
			if plainErr != nil {
				log.Printf("PDF Extractor: Plain text extraction also failed for page %d: %v", i, plainErr)
				pages = append(pages, pt)
				continue
			}
			for _, raw := range strings.Split(text, "\n") {
				line := strings.TrimSpace(raw)
				if line != "" {
					pt.Lines = append(pt.Lines, Line{Text: line})
				}
			}
			pages = append(pages, pt)
			continue
		}

		for _, row := range rows {
			var rowText strings.Builder
			var firstX float64
			for wi, word := range row.Content {
				if wi == 0 {
					firstX = word.X
				}
				rowText.WriteString(word.S)
			}
			line := strings.TrimSpace(rowText.String())
			if line != "" {
				pt.Lines = append(pt.Lines, Line{
					X:    firstX,
					Y:    float64(row.Position),
					Text: line,
				})
			}
		}
		pages = append(pages, pt)
	}

	return pages, nil
}

// ExtractText flattens the whole document into one string, one line per row
func (p *PDFExtractor) ExtractText(content []byte) (string, error) {
	pages, err := p.ExtractPages(content)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, pt := range pages {
		for _, line := range pt.Lines {
			b.WriteString(line.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	extracted := strings.TrimSpace(b.String())
	if len(extracted) < 50 {
		return "", fmt.Errorf("insufficient text extracted from PDF (only %d characters) - PDF may be scanned/image-based", len(extracted))
	}

	return extracted, nil
}
