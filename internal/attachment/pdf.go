package attachment

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// Engine turns raw document bytes into a page-addressable document.
type Engine interface {
	Load(data []byte) (Document, error)
}

// Document exposes extracted text page by page. Pages are zero-based.
type Document interface {
	PageCount() int
	PageText(i int) (string, error)
}

// PDFEngine extracts text with github.com/ledongthuc/pdf.
type PDFEngine struct{}

// Load parses data as a PDF.
func (PDFEngine) Load(data []byte) (doc Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("%w: %v", ErrMalformedInput, r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return pdfDocument{r: r}, nil
}

type pdfDocument struct {
	r *pdf.Reader
}

func (d pdfDocument) PageCount() int { return d.r.NumPage() }

func (d pdfDocument) PageText(i int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("page %d: %v", i+1, r)
		}
	}()
	page := d.r.Page(i + 1)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}
