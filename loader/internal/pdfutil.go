package internal

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"ragforge/types"
)

const pdfMediaType = "application/pdf"

func init() {
	// Keep pdfcpu from writing a config dir under $HOME.
	api.DisableConfigDir()
}

// ValidatePDF checks the document structure and returns its page count.
func ValidatePDF(content []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pctx, err := api.ReadContext(bytes.NewReader(content), conf)
	if err != nil {
		return 0, goerr.Wrap(types.ErrExtraction, err.Error())
	}
	if err := api.ValidateContext(pctx); err != nil {
		return 0, goerr.Wrap(types.ErrExtraction, err.Error())
	}
	if pctx.PageCount == 0 {
		return 0, goerr.Wrap(types.ErrExtraction, "document has no pages")
	}
	return pctx.PageCount, nil
}

// IsPDF reports whether the upload looks like a PDF, by extension or, failing
// that, by content sniffing.
func IsPDF(filename string, content []byte) bool {
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return true
	}
	if filepath.Ext(filename) != "" {
		return false
	}
	return mimetype.Detect(content).Is(pdfMediaType)
}
