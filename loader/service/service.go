package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragforge/config"
	"ragforge/loader/internal"
	"ragforge/metrics"
	"ragforge/model"
	"ragforge/types"
)

const (
	stageExtract = "extract"
	stageOCR     = "ocr"
	stageEmbed   = "embed"
	stageIndex   = "index"
)

// Document outcomes reported to metrics.
const (
	outcomeIndexed  = "indexed"
	outcomeSkipped  = "skipped"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

type TextExtractor interface {
	Extract(ctx context.Context, content []byte) (*string, error)
}

type OCRRunner interface {
	OCR(ctx context.Context, inPDF, sidecarPath string) (string, error)
}

type Splitter interface {
	Chunk(text, source string) []types.Chunk
}

// Indexer stores records; see store.Gateway.
type Indexer interface {
	Upsert(ctx context.Context, records []types.IndexedRecord) (int, []types.BulkFailure, error)
}

// Service turns uploaded PDFs into indexed chunks.
type Service struct {
	extractor     TextExtractor
	ocr           OCRRunner
	chunker       Splitter
	embedder      model.Embedder
	index         Indexer
	timeouts      config.Timeouts
	maxConcurrent int
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

type Option func(*Service)

func WithExtractor(e TextExtractor) Option {
	return func(s *Service) { s.extractor = e }
}

func WithOCR(o OCRRunner) Option {
	return func(s *Service) { s.ocr = o }
}

func WithChunker(c Splitter) Option {
	return func(s *Service) { s.chunker = c }
}

func WithTimeouts(t config.Timeouts) Option {
	return func(s *Service) { s.timeouts = t }
}

func WithMaxConcurrentFiles(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(embedder model.Embedder, index Indexer, logger *zap.Logger, opts ...Option) *Service {
	defaults := config.Default()
	s := &Service{
		extractor:     internal.NewExtractor(logger),
		ocr:           internal.NewOCREngine(internal.DefaultOCRBinary, logger),
		chunker:       internal.NewChunker(),
		embedder:      embedder,
		index:         index,
		timeouts:      defaults.Timeouts,
		maxConcurrent: defaults.Pipeline.MaxConcurrentFiles,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig wires the extractor, OCR engine and chunker from cfg.
func NewFromConfig(cfg *config.Config, embedder model.Embedder, index Indexer, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	opener, err := internal.NewOpener(cfg.Pipeline.UniPDFLicenseKey)
	if err != nil {
		return nil, err
	}
	return New(embedder, index, logger,
		WithExtractor(internal.NewExtractor(logger, internal.WithOpener(opener))),
		WithOCR(internal.NewOCREngine(cfg.Pipeline.OCRBinary, logger)),
		WithChunker(internal.NewChunker(
			internal.WithChunkSize(cfg.Pipeline.ChunkSize),
			internal.WithChunkOverlap(cfg.Pipeline.ChunkOverlap),
		)),
		WithTimeouts(cfg.Timeouts),
		WithMaxConcurrentFiles(cfg.Pipeline.MaxConcurrentFiles),
		WithMetrics(m),
	), nil
}

// ProcessDocument runs one PDF through extraction, normalization, chunking,
// embedding and indexing. Documents yielding no text, no chunks or no
// embeddings produce a zero result without error. Only indexing failures and
// configuration errors are returned.
func (s *Service) ProcessDocument(ctx context.Context, doc types.Document) (types.IngestResult, error) {
	logger := s.logger.With(zap.String("file", doc.Filename))
	logger.Info("processing document", zap.Int("bytes", len(doc.Content)))

	text, ok, err := s.extractText(ctx, doc, logger)
	if err != nil {
		s.metrics.Document(outcomeFailed)
		return types.IngestResult{}, goerr.Wrap(err, "failed to extract document", goerr.V(types.FileKey, doc.Filename))
	}
	if !ok {
		s.metrics.Document(outcomeSkipped)
		return types.IngestResult{}, nil
	}

	chunks := s.chunker.Chunk(internal.Normalize(text), doc.Filename)
	if len(chunks) == 0 {
		logger.Warn("no chunks produced")
		s.metrics.Document(outcomeSkipped)
		return types.IngestResult{}, nil
	}

	contents := make([]string, len(chunks))
	for i, c := range chunks {
		contents[i] = c.Content
	}

	start := time.Now()
	ectx, cancel := context.WithTimeout(ctx, s.timeouts.Embed)
	vectors, err := s.embedder.EmbedMany(ectx, contents)
	cancel()
	s.metrics.ObserveStage(stageEmbed, start)
	if err == nil && len(vectors) != len(chunks) {
		err = goerr.New("embedding count does not match chunk count",
			goerr.V("chunks", len(chunks)), goerr.V("vectors", len(vectors)))
	}
	if err != nil {
		s.stageFailed(logger, stageEmbed, err)
		s.metrics.Document(outcomeSkipped)
		return types.IngestResult{}, nil
	}

	records := make([]types.IndexedRecord, len(chunks))
	for i, c := range chunks {
		records[i] = types.NewIndexedRecord(c, vectors[i])
	}

	start = time.Now()
	ictx, cancel := context.WithTimeout(ctx, s.timeouts.Index)
	_, _, err = s.index.Upsert(ictx, records)
	cancel()
	s.metrics.ObserveStage(stageIndex, start)
	if err != nil {
		err = s.stageFailed(logger, stageIndex, err)
		s.metrics.Document(outcomeFailed)
		return types.IngestResult{}, goerr.Wrap(err, "failed to index document", goerr.V(types.FileKey, doc.Filename))
	}

	logger.Info("document indexed", zap.Int("chunks", len(records)))
	s.metrics.Document(outcomeIndexed)
	return types.IngestResult{Documents: 1, Chunks: len(records)}, nil
}

// extractText returns the embedded text of doc, falling back to OCR for
// image-only documents. ok is false when no usable text was found; an error is
// returned only for configuration problems that would fail every document.
func (s *Service) extractText(ctx context.Context, doc types.Document, logger *zap.Logger) (string, bool, error) {
	start := time.Now()
	ectx, cancel := context.WithTimeout(ctx, s.timeouts.Extract)
	text, err := s.extractor.Extract(ectx, doc.Content)
	cancel()
	s.metrics.ObserveStage(stageExtract, start)
	if err != nil {
		err = s.stageFailed(logger, stageExtract, err)
		if errors.Is(err, types.ErrConfiguration) {
			return "", false, err
		}
		return "", false, nil
	}
	if text != nil {
		if strings.TrimSpace(*text) == "" {
			logger.Warn("document has no text")
			return "", false, nil
		}
		return *text, true, nil
	}

	logger.Info("no embedded text, running ocr")
	ocrText, err := s.runOCR(ctx, doc)
	if err != nil {
		s.stageFailed(logger, stageOCR, err)
		return "", false, nil
	}
	if strings.TrimSpace(ocrText) == "" {
		logger.Warn("ocr produced no text")
		return "", false, nil
	}
	return ocrText, true, nil
}

func (s *Service) runOCR(ctx context.Context, doc types.Document) (string, error) {
	dir, err := os.MkdirTemp("", "ragforge-ocr-*")
	if err != nil {
		return "", goerr.Wrap(err, "failed to create ocr workspace")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove ocr workspace", zap.String("dir", dir), zap.Error(err))
		}
	}()

	in := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(in, doc.Content, 0o600); err != nil {
		return "", goerr.Wrap(err, "failed to write ocr input")
	}

	start := time.Now()
	defer s.metrics.ObserveStage(stageOCR, start)
	octx, cancel := context.WithTimeout(ctx, s.timeouts.OCR)
	defer cancel()
	return s.ocr.OCR(octx, in, filepath.Join(dir, "sidecar.txt"))
}

// stageFailed logs err for stage and returns it wrapped with the stage name.
func (s *Service) stageFailed(logger *zap.Logger, stage string, err error) error {
	err = types.StageError(stage, err)
	if types.IsTimeout(err) {
		s.metrics.StageTimeout(stage)
		logger.Warn("stage timed out", zap.String("stage", stage))
		return err
	}
	logger.Error("stage failed", zap.String("stage", stage), zap.Error(err))
	return err
}

// ProcessBatch ingests docs concurrently. A failing file never stops the
// others. When files were attempted and none was indexed the result is
// returned together with types.ErrNoDocumentsProcessed.
func (s *Service) ProcessBatch(ctx context.Context, docs []types.Document) (types.BatchResult, error) {
	if len(docs) == 0 {
		return types.BatchResult{}, goerr.Wrap(types.ErrValidation, "no documents provided")
	}

	results := make([]types.IngestResult, len(docs))
	reasons := make([]string, len(docs))

	var (
		g         errgroup.Group
		attempted int
	)
	g.SetLimit(s.maxConcurrent)
	for i, doc := range docs {
		if !internal.IsPDF(doc.Filename, doc.Content) {
			s.logger.Warn("skipping non-PDF file", zap.String("file", doc.Filename))
			s.metrics.Document(outcomeRejected)
			reasons[i] = types.ReasonNotPDF
			continue
		}
		attempted++

		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic while processing document",
						zap.String("file", doc.Filename), zap.Any("panic", r), zap.Stack("stack"))
					reasons[i] = types.ReasonProcessingError
				}
			}()

			res, err := s.ProcessDocument(ctx, doc)
			switch {
			case err != nil:
				reasons[i] = types.ReasonProcessingError
			case res.Documents == 0:
				reasons[i] = types.ReasonNothingIndexed
			default:
				results[i] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	batch := types.BatchResult{Attempted: attempted}
	for i, doc := range docs {
		batch.DocumentsIndexed += results[i].Documents
		batch.TotalChunks += results[i].Chunks
		if reasons[i] != "" {
			batch.Failed = append(batch.Failed, types.FailedFile{Filename: doc.Filename, Reason: reasons[i]})
		}
	}

	s.logger.Info("batch completed",
		zap.Int("files", len(docs)),
		zap.Int("documents", batch.DocumentsIndexed),
		zap.Int("chunks", batch.TotalChunks),
		zap.Int("failed", len(batch.Failed)),
	)

	if attempted > 0 && batch.DocumentsIndexed == 0 {
		failed := make([]string, len(batch.Failed))
		for i, f := range batch.Failed {
			failed[i] = f.String()
		}
		return batch, goerr.Wrap(types.ErrNoDocumentsProcessed, strings.Join(failed, ", "),
			goerr.V("failed", len(batch.Failed)))
	}
	return batch, nil
}
