package export

import (
	"bytes"
	"fmt"

	"github.com/planningpoker/core/internal/domain"
)

// rowsPerPage bounds a page's row count so the PDF paginates like any real
// report instead of growing one page without end (§4.6 step 4: "a
// paginated report with the same logical content").
const rowsPerPage = 40

// RenderPDF produces a minimal, deterministic paginated PDF report with the
// same logical content as RenderCSV (§4.6 step 4). No PDF-generation
// library is grounded anywhere in the retrieved corpus (DESIGN.md), so this
// writes the PDF object graph directly: one content stream per page of up
// to rowsPerPage rows, Helvetica text lines, a shared xref/trailer. Layout
// is implementation-defined; what matters is that encoding the same rows
// always produces the same bytes.
func RenderPDF(sessionID domain.SessionId, rounds []domain.Round, votesByRound map[domain.RoundId][]domain.Vote, participants map[domain.ParticipantId]domain.Participant) ([]byte, error) {
	rows := buildRows(rounds, votesByRound, participants)
	pages := paginate(rows)
	if len(pages) == 0 {
		pages = [][]reportRow{nil}
	}

	b := newPDFBuilder()
	catalogID := b.reserve()
	pagesID := b.reserve()
	fontID := b.reserve()

	pageIDs := make([]int, len(pages))
	contentIDs := make([]int, len(pages))
	for i := range pages {
		pageIDs[i] = b.reserve()
		contentIDs[i] = b.reserve()
	}

	b.writeObject(catalogID, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesID))

	kids := ""
	for _, id := range pageIDs {
		kids += fmt.Sprintf("%d 0 R ", id)
	}
	b.writeObject(pagesID, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", trimTrailingSpace(kids), len(pages)))
	b.writeObject(fontID, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	for i, page := range pages {
		content := renderPageContent(sessionID, i+1, len(pages), page)
		b.writeStreamObject(contentIDs[i], content)
		b.writeObject(pageIDs[i], fmt.Sprintf(
			"<< /Type /Page /Parent %d 0 R /Resources << /Font << /F1 %d 0 R >> >> /MediaBox [0 0 612 792] /Contents %d 0 R >>",
			pagesID, fontID, contentIDs[i],
		))
	}

	return b.build(catalogID), nil
}

func paginate(rows []reportRow) [][]reportRow {
	if len(rows) == 0 {
		return nil
	}
	var pages [][]reportRow
	for start := 0; start < len(rows); start += rowsPerPage {
		end := start + rowsPerPage
		if end > len(rows) {
			end = len(rows)
		}
		pages = append(pages, rows[start:end])
	}
	return pages
}

func renderPageContent(sessionID domain.SessionId, pageNum, totalPages int, rows []reportRow) []byte {
	var buf bytes.Buffer
	buf.WriteString("BT /F1 14 Tf 54 740 Td (Session Report) Tj ET\n")
	buf.WriteString(fmt.Sprintf("BT /F1 9 Tf 54 722 Td (Session: %s  Page %d of %d) Tj ET\n", pdfEscape(string(sessionID)), pageNum, totalPages))
	buf.WriteString("BT /F1 9 Tf 54 700 Td (Round  Story  Participant  Card  Consensus  Avg  Median) Tj ET\n")

	y := 684
	for _, row := range rows {
		line := fmt.Sprintf("%d  %s  %s  %s  %t  %s  %s",
			row.RoundNumber, row.StoryTitle, row.Participant, row.CardValue, row.Consensus,
			formatNullableFloat(row.Average), formatNullableString(row.Median))
		buf.WriteString(fmt.Sprintf("BT /F1 8 Tf 54 %d Td (%s) Tj ET\n", y, pdfEscape(line)))
		y -= 14
	}
	return buf.Bytes()
}

func pdfEscape(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		switch r {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}

func trimTrailingSpace(s string) string {
	if len(s) > 0 && s[len(s)-1] == ' ' {
		return s[:len(s)-1]
	}
	return s
}

// pdfBuilder accumulates indirect objects and emits a single-revision PDF
// with an explicit xref table, byte offsets tracked as objects are written.
type pdfBuilder struct {
	buf     bytes.Buffer
	offsets []int // index 0 unused; objects are 1-indexed
}

func newPDFBuilder() *pdfBuilder {
	b := &pdfBuilder{offsets: []int{0}}
	b.buf.WriteString("%PDF-1.4\n")
	return b
}

// reserve allocates the next object number without writing it yet, so
// forward references (e.g. Pages -> Kids) can be built before the
// referenced objects exist.
func (b *pdfBuilder) reserve() int {
	b.offsets = append(b.offsets, -1)
	return len(b.offsets) - 1
}

func (b *pdfBuilder) writeObject(id int, body string) {
	b.offsets[id] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", id, body)
}

func (b *pdfBuilder) writeStreamObject(id int, content []byte) {
	b.offsets[id] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n<< /Length %d >>\nstream\n", id, len(content))
	b.buf.Write(content)
	b.buf.WriteString("\nendstream\nendobj\n")
}

func (b *pdfBuilder) build(catalogID int) []byte {
	xrefStart := b.buf.Len()
	count := len(b.offsets)
	fmt.Fprintf(&b.buf, "xref\n0 %d\n", count)
	b.buf.WriteString("0000000000 65535 f \n")
	for i := 1; i < count; i++ {
		fmt.Fprintf(&b.buf, "%010d 00000 n \n", b.offsets[i])
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF", count, catalogID, xrefStart)
	return b.buf.Bytes()
}
