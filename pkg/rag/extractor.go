package rag

import (
	"bytes"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/agentmesh/controlplane/pkg/logger"
)

// ExtractText turns a raw document into plain text: plain text and
// markdown pass through untouched, PDF/.docx are parsed with the wired
// extractor libraries, and anything else — or a parse failure — degrades
// to an empty string rather than erroring the whole ingest.
func ExtractText(mimeType string, raw []byte) string {
	switch mimeType {
	case "text/plain", "text/markdown", "":
		return string(raw)
	case "application/pdf":
		return extractPDF(raw)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return extractDocx(raw)
	default:
		logger.GetLogger().Debug("rag: no extractor for mime type, degrading to empty text", "mime_type", mimeType)
		return ""
	}
}

func extractPDF(raw []byte) string {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		logger.GetLogger().Warn("rag: pdf extraction failed", "error", err)
		return ""
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func extractDocx(raw []byte) string {
	reader, err := docx.ReadDocxFromMemory(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		logger.GetLogger().Warn("rag: docx extraction failed", "error", err)
		return ""
	}
	defer reader.Close()
	return reader.Editable().GetContent()
}

// ReadAll is a small helper so callers holding an io.Reader (an uploaded
// attachment stream) don't need to import io directly.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
