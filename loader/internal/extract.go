package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/m-mizutani/goerr/v2"
	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	unimodel "github.com/unidoc/unipdf/v3/model"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"ragforge/types"
)

// PageReader gives access to the text of a parsed document, pages numbered from 1.
type PageReader interface {
	NumPages() int
	PageText(n int) (string, error)
}

// PDFOpener parses raw bytes into a PageReader.
type PDFOpener interface {
	Open(content []byte) (PageReader, error)
}

// Extractor pulls embedded text out of PDFs on a bounded CPU pool.
type Extractor struct {
	opener PDFOpener
	sem    *semaphore.Weighted
	logger *zap.Logger
}

type ExtractorOption func(*Extractor)

func WithOpener(o PDFOpener) ExtractorOption {
	return func(e *Extractor) { e.opener = o }
}

func WithWorkers(n int64) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

func NewExtractor(logger *zap.Logger, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		opener: TextPDFOpener{},
		sem:    semaphore.NewWeighted(int64(runtime.NumCPU())),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type extractResult struct {
	text *string
	err  error
}

// Extract returns all page text joined by newlines, or nil when the first page
// carries no text and OCR should be attempted. Only structurally broken input
// is an error.
func (e *Extractor) Extract(ctx context.Context, content []byte) (*string, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	done := make(chan extractResult, 1)
	go func() {
		defer e.sem.Release(1)
		text, err := e.extract(content)
		done <- extractResult{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.text, r.err
	}
}

func (e *Extractor) extract(content []byte) (*string, error) {
	doc, err := e.opener.Open(content)
	if errors.Is(err, types.ErrConfiguration) {
		return nil, err
	}
	if err != nil {
		return nil, goerr.Wrap(types.ErrExtraction, err.Error())
	}
	if doc.NumPages() == 0 {
		return nil, goerr.Wrap(types.ErrExtraction, "document has no pages")
	}

	first, err := doc.PageText(1)
	if err != nil {
		return nil, goerr.Wrap(types.ErrExtraction, err.Error())
	}
	if strings.TrimSpace(first) == "" {
		e.logger.Debug("first page has no text layer")
		return nil, nil
	}

	pages := make([]string, 0, doc.NumPages())
	pages = append(pages, first)
	for n := 2; n <= doc.NumPages(); n++ {
		text, err := doc.PageText(n)
		if err != nil {
			return nil, goerr.Wrap(types.ErrExtraction, err.Error(), goerr.V("page", n))
		}
		pages = append(pages, text)
	}
	all := strings.Join(pages, "\n")
	return &all, nil
}

// NewOpener picks the page-text backend. Without a key the license-free reader
// is used; with one, unipdf is licensed and used instead.
func NewOpener(uniPDFKey string) (PDFOpener, error) {
	if uniPDFKey == "" {
		return TextPDFOpener{}, nil
	}
	if err := SetUniPDFLicense(uniPDFKey); err != nil {
		return nil, err
	}
	return UniPDFOpener{}, nil
}

// SetUniPDFLicense applies a metered unipdf key. An empty key is a no-op.
func SetUniPDFLicense(key string) error {
	if key == "" {
		return nil
	}
	if err := license.SetMeteredKey(key); err != nil {
		return goerr.Wrap(types.ErrConfiguration, "failed to set unipdf license", goerr.V("cause", err.Error()))
	}
	return nil
}

// TextPDFOpener validates structure with pdfcpu and reads page text with
// ledongthuc/pdf.
type TextPDFOpener struct{}

func (TextPDFOpener) Open(content []byte) (doc PageReader, err error) {
	if _, err := ValidatePDF(content); err != nil {
		return nil, err
	}
	// The reader panics on some malformed object graphs.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, goerr.New("pdf reader panicked", goerr.V("panic", fmt.Sprint(r)))
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}
	return &textPDFDocument{reader: reader, pages: reader.NumPage(), fonts: make(map[string]*pdf.Font)}, nil
}

type textPDFDocument struct {
	reader *pdf.Reader
	pages  int
	fonts  map[string]*pdf.Font
}

func (d *textPDFDocument) NumPages() int { return d.pages }

func (d *textPDFDocument) PageText(n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", goerr.New("pdf reader panicked", goerr.V("page", n), goerr.V("panic", fmt.Sprint(r)))
		}
	}()
	page := d.reader.Page(n)
	if page.V.IsNull() {
		return "", goerr.New("page not found", goerr.V("page", n))
	}
	for _, name := range page.Fonts() {
		if _, ok := d.fonts[name]; !ok {
			f := page.Font(name)
			d.fonts[name] = &f
		}
	}
	return page.GetPlainText(d.fonts)
}

// UniPDFOpener validates structure with pdfcpu and reads text with unipdf. It
// requires a license applied through SetUniPDFLicense.
type UniPDFOpener struct{}

func (UniPDFOpener) Open(content []byte) (PageReader, error) {
	if !license.GetLicenseKey().IsLicensed() {
		return nil, goerr.Wrap(types.ErrConfiguration, "unipdf license not set")
	}
	if _, err := ValidatePDF(content); err != nil {
		return nil, err
	}
	reader, err := unimodel.NewPdfReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	n, err := reader.GetNumPages()
	if err != nil {
		return nil, err
	}
	return &uniPDFDocument{reader: reader, pages: n}, nil
}

type uniPDFDocument struct {
	reader *unimodel.PdfReader
	pages  int
}

func (d *uniPDFDocument) NumPages() int { return d.pages }

func (d *uniPDFDocument) PageText(n int) (string, error) {
	page, err := d.reader.GetPage(n)
	if err != nil {
		return "", err
	}
	ex, err := extractor.New(page)
	if err != nil {
		return "", err
	}
	return ex.ExtractText()
}
