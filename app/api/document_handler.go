package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"ragforge/types"
)

const formFiles = "files"

type BatchProcessor interface {
	ProcessBatch(ctx context.Context, docs []types.Document) (types.BatchResult, error)
}

type DocumentHandler struct {
	processor BatchProcessor
	logger    *zap.Logger
}

func NewDocumentHandler(p BatchProcessor, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{processor: p, logger: logger}
}

// HandleUpload ingests every PDF sent in the multipart "files" field.
func (h *DocumentHandler) HandleUpload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return ErrNoFiles()
	}
	headers := form.File[formFiles]
	if len(headers) == 0 {
		return ErrNoFiles()
	}

	names := make([]string, len(headers))
	for i, fh := range headers {
		names[i] = fh.Filename
	}
	h.logger.Info("document upload received", zap.Int("files", len(headers)), zap.Strings("names", names))

	var (
		docs   = make([]types.Document, 0, len(headers))
		failed = []string{}
	)
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			h.logger.Error("failed to read upload", zap.String("file", fh.Filename), zap.Error(err))
			failed = append(failed, types.FailedFile{Filename: fh.Filename, Reason: types.ReasonUploadError}.String())
			continue
		}
		docs = append(docs, types.Document{
			Filename:  fh.Filename,
			MediaType: fh.Header.Get(fiber.HeaderContentType),
			Content:   data,
		})
	}
	if len(docs) == 0 {
		return noneProcessed(failed)
	}

	res, err := h.processor.ProcessBatch(c.UserContext(), docs)
	for _, f := range res.Failed {
		failed = append(failed, f.String())
	}
	if err != nil {
		if errors.Is(err, types.ErrNoDocumentsProcessed) {
			h.logger.Warn("no documents processed", zap.Strings("failed", failed))
			return noneProcessed(failed)
		}
		return err
	}

	resp := types.DocumentResponse{
		DocumentsIndexed: res.DocumentsIndexed,
		TotalChunks:      res.TotalChunks,
		FailedFiles:      failed,
	}
	switch {
	case res.Attempted == 0:
		resp.Message = "No valid PDF files were provided. Please upload PDF files only."
	case len(failed) == 0:
		resp.Message = "Documents processed successfully"
	default:
		resp.Message = "Some documents failed to process"
	}
	h.logger.Info("document upload completed",
		zap.Int("documents", res.DocumentsIndexed),
		zap.Int("chunks", res.TotalChunks),
		zap.Int("failed", len(failed)),
	)
	return c.JSON(resp)
}

func noneProcessed(failed []string) error {
	return NewError(fiber.StatusBadRequest,
		"No documents were processed successfully. Failures: "+strings.Join(failed, ", "))
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}
