package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ragforge/config"
	"ragforge/loader/internal"
	"ragforge/metrics"
	"ragforge/types"
)

// Header bytes so the mimetype sniffer would also accept the fixtures.
var pdfBytes = []byte("%PDF-1.4\n%fixture\n")

type fakeExtractor struct {
	fn func(ctx context.Context, content []byte) (*string, error)
}

func (f fakeExtractor) Extract(ctx context.Context, content []byte) (*string, error) {
	return f.fn(ctx, content)
}

func textOf(s string) fakeExtractor {
	return fakeExtractor{fn: func(context.Context, []byte) (*string, error) { return &s, nil }}
}

type fakeOCR struct {
	mu     sync.Mutex
	text   string
	err    error
	calls  int
	inputs []string
}

func (f *fakeOCR) OCR(_ context.Context, inPDF, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.inputs = append(f.inputs, inPDF)
	if _, err := os.Stat(inPDF); err != nil {
		return "", err
	}
	return f.text, f.err
}

type fakeEmbedder struct {
	mu    sync.Mutex
	err   error
	block bool
	calls int
}

func (f *fakeEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

type fakeIndex struct {
	mu      sync.Mutex
	records []types.IndexedRecord
	err     error
}

func (f *fakeIndex) Upsert(_ context.Context, records []types.IndexedRecord) (int, []types.BulkFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, nil, f.err
	}
	f.records = append(f.records, records...)
	return len(records), nil, nil
}

func shortTimeouts() config.Timeouts {
	t := config.Default().Timeouts
	t.Embed = 50 * time.Millisecond
	return t
}

func newTestService(t *testing.T, ex TextExtractor, ocr OCRRunner, emb *fakeEmbedder, idx *fakeIndex) *Service {
	t.Helper()
	return New(emb, idx, zaptest.NewLogger(t),
		WithExtractor(ex),
		WithOCR(ocr),
		WithTimeouts(shortTimeouts()),
		WithMetrics(metrics.New()),
	)
}

func TestProcessDocumentShortText(t *testing.T) {
	ocr := &fakeOCR{}
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	s := newTestService(t, textOf(strings.Repeat("a", 400)), ocr, emb, idx)

	res, err := s.ProcessDocument(context.Background(), types.Document{Filename: "short.pdf", Content: pdfBytes})
	require.NoError(t, err)
	assert.Equal(t, types.IngestResult{Documents: 1, Chunks: 1}, res)
	assert.Zero(t, ocr.calls)

	require.Len(t, idx.records, 1)
	assert.Equal(t, "short.pdf", idx.records[0].Source)
	assert.Len(t, idx.records[0].Content, 400)
}

func TestProcessDocumentNormalizesBeforeChunking(t *testing.T) {
	idx := &fakeIndex{}
	s := newTestService(t, textOf("hyphen-\nated   words\n\n\nnext"), &fakeOCR{}, &fakeEmbedder{}, idx)

	_, err := s.ProcessDocument(context.Background(), types.Document{Filename: "n.pdf", Content: pdfBytes})
	require.NoError(t, err)
	require.Len(t, idx.records, 1)
	assert.Equal(t, "hyphenated words\nnext", idx.records[0].Content)
}

func TestProcessDocumentImageOnlyUsesOCR(t *testing.T) {
	noText := fakeExtractor{fn: func(context.Context, []byte) (*string, error) { return nil, nil }}
	ocr := &fakeOCR{text: "recognised text from a scanned page"}
	idx := &fakeIndex{}
	s := newTestService(t, noText, ocr, &fakeEmbedder{}, idx)

	res, err := s.ProcessDocument(context.Background(), types.Document{Filename: "scan.pdf", Content: pdfBytes})
	require.NoError(t, err)
	assert.Equal(t, types.IngestResult{Documents: 1, Chunks: 1}, res)
	assert.Equal(t, 1, ocr.calls)
	assert.Equal(t, "recognised text from a scanned page", idx.records[0].Content)

	// OCR workspace is removed afterwards.
	_, err = os.Stat(filepath.Dir(ocr.inputs[0]))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestProcessDocumentSkips(t *testing.T) {
	tests := []struct {
		name      string
		extractor TextExtractor
		ocr       *fakeOCR
		emb       *fakeEmbedder
	}{
		{
			name:      "extraction error",
			extractor: fakeExtractor{fn: func(context.Context, []byte) (*string, error) { return nil, types.ErrExtraction }},
			ocr:       &fakeOCR{},
			emb:       &fakeEmbedder{},
		},
		{
			name:      "blank text",
			extractor: textOf("  \n\t "),
			ocr:       &fakeOCR{},
			emb:       &fakeEmbedder{},
		},
		{
			name:      "ocr failure",
			extractor: fakeExtractor{fn: func(context.Context, []byte) (*string, error) { return nil, nil }},
			ocr:       &fakeOCR{err: types.ErrOCRProcess},
			emb:       &fakeEmbedder{},
		},
		{
			name:      "ocr blank",
			extractor: fakeExtractor{fn: func(context.Context, []byte) (*string, error) { return nil, nil }},
			ocr:       &fakeOCR{text: "\n\n"},
			emb:       &fakeEmbedder{},
		},
		{
			name:      "embedding error",
			extractor: textOf("some text"),
			ocr:       &fakeOCR{},
			emb:       &fakeEmbedder{err: errors.New("quota exceeded")},
		},
		{
			name:      "embedding timeout",
			extractor: textOf("some text"),
			ocr:       &fakeOCR{},
			emb:       &fakeEmbedder{block: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fakeIndex{}
			s := newTestService(t, tt.extractor, tt.ocr, tt.emb, idx)

			res, err := s.ProcessDocument(context.Background(), types.Document{Filename: "doc.pdf", Content: pdfBytes})
			require.NoError(t, err)
			assert.Equal(t, types.IngestResult{}, res)
			assert.Empty(t, idx.records)
		})
	}
}

func TestProcessDocumentIndexFailure(t *testing.T) {
	idx := &fakeIndex{err: types.ErrBulkIndex}
	s := newTestService(t, textOf("some text"), &fakeOCR{}, &fakeEmbedder{}, idx)

	res, err := s.ProcessDocument(context.Background(), types.Document{Filename: "doc.pdf", Content: pdfBytes})
	require.ErrorIs(t, err, types.ErrBulkIndex)
	assert.Equal(t, types.IngestResult{}, res)
}

func TestProcessDocumentConfigurationError(t *testing.T) {
	ex := fakeExtractor{fn: func(context.Context, []byte) (*string, error) {
		return nil, goerr.Wrap(types.ErrConfiguration, "unipdf license not set")
	}}
	ocr := &fakeOCR{}
	emb := &fakeEmbedder{}
	s := newTestService(t, ex, ocr, emb, &fakeIndex{})

	res, err := s.ProcessDocument(context.Background(), types.Document{Filename: "doc.pdf", Content: pdfBytes})
	require.ErrorIs(t, err, types.ErrConfiguration)
	assert.Equal(t, types.IngestResult{}, res)
	assert.Zero(t, ocr.calls)
	assert.Zero(t, emb.calls)

	batch, err := s.ProcessBatch(context.Background(), []types.Document{{Filename: "doc.pdf", Content: pdfBytes}})
	require.ErrorIs(t, err, types.ErrNoDocumentsProcessed)
	assert.Equal(t, []types.FailedFile{{Filename: "doc.pdf", Reason: types.ReasonProcessingError}}, batch.Failed)
}

func TestNewFromConfigDefaultExtractor(t *testing.T) {
	s, err := NewFromConfig(config.Default(), &fakeEmbedder{}, &fakeIndex{}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &internal.Extractor{}, s.extractor)
}

func TestProcessBatchMixed(t *testing.T) {
	idx := &fakeIndex{}
	s := newTestService(t, textOf("content of a pdf"), &fakeOCR{}, &fakeEmbedder{}, idx)

	res, err := s.ProcessBatch(context.Background(), []types.Document{
		{Filename: "a.pdf", Content: pdfBytes},
		{Filename: "x.txt", Content: []byte("plain text")},
		{Filename: "b.pdf", Content: pdfBytes},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.DocumentsIndexed)
	assert.Equal(t, 2, res.TotalChunks)
	assert.Equal(t, []types.FailedFile{{Filename: "x.txt", Reason: types.ReasonNotPDF}}, res.Failed)
	assert.Equal(t, "x.txt (not a PDF)", res.Failed[0].String())
}

func TestProcessBatchEmpty(t *testing.T) {
	s := newTestService(t, textOf("x"), &fakeOCR{}, &fakeEmbedder{}, &fakeIndex{})

	_, err := s.ProcessBatch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestProcessBatchNothingProcessed(t *testing.T) {
	idx := &fakeIndex{err: types.ErrBulkIndex}
	blank := textOf(" ")
	calls := 0
	var mu sync.Mutex
	ex := fakeExtractor{fn: func(ctx context.Context, content []byte) (*string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if string(content) == "blank" {
			return blank.fn(ctx, content)
		}
		s := "text"
		return &s, nil
	}}
	s := newTestService(t, ex, &fakeOCR{}, &fakeEmbedder{}, idx)

	res, err := s.ProcessBatch(context.Background(), []types.Document{
		{Filename: "a.pdf", Content: pdfBytes},
		{Filename: "b.pdf", Content: []byte("blank")},
	})
	require.ErrorIs(t, err, types.ErrNoDocumentsProcessed)
	assert.Contains(t, err.Error(), "a.pdf (processing error)")
	assert.Contains(t, err.Error(), "b.pdf (nothing indexed)")
	assert.Equal(t, 2, calls)
	assert.Zero(t, res.DocumentsIndexed)
	assert.Len(t, res.Failed, 2)
}

func TestProcessBatchOnlyNonPDF(t *testing.T) {
	s := newTestService(t, textOf("x"), &fakeOCR{}, &fakeEmbedder{}, &fakeIndex{})

	res, err := s.ProcessBatch(context.Background(), []types.Document{{Filename: "x.txt", Content: []byte("hi")}})
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, []types.FailedFile{{Filename: "x.txt", Reason: types.ReasonNotPDF}}, res.Failed)
}

func TestProcessBatchRecoversPanic(t *testing.T) {
	ex := fakeExtractor{fn: func(_ context.Context, content []byte) (*string, error) {
		if string(content) == "boom" {
			panic("corrupt xref")
		}
		s := "fine"
		return &s, nil
	}}
	s := newTestService(t, ex, &fakeOCR{}, &fakeEmbedder{}, &fakeIndex{})

	res, err := s.ProcessBatch(context.Background(), []types.Document{
		{Filename: "bad.pdf", Content: []byte("boom")},
		{Filename: "good.pdf", Content: pdfBytes},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsIndexed)
	assert.Equal(t, []types.FailedFile{{Filename: "bad.pdf", Reason: types.ReasonProcessingError}}, res.Failed)
}

func TestRunArchivesProcessedFiles(t *testing.T) {
	root := t.TempDir()
	cfg := internal.WatcherConfig{
		SourceDir:  filepath.Join(root, "source"),
		ArchiveDir: filepath.Join(root, "archive"),
		BadDir:     filepath.Join(root, "bad"),
		StableFor:  time.Millisecond,
	}
	w, err := internal.NewWatcher(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, "manual.pdf"), pdfBytes, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, "notes.txt"), []byte("hello"), 0o644))

	idx := &fakeIndex{}
	s := newTestService(t, textOf("manual text"), &fakeOCR{}, &fakeEmbedder{}, idx)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, w) }()

	day := time.Now().Format("2006-01-02")
	require.Eventually(t, func() bool {
		_, errA := os.Stat(filepath.Join(cfg.ArchiveDir, day, "manual.pdf"))
		_, errB := os.Stat(filepath.Join(cfg.BadDir, day, "notes.txt"))
		return errA == nil && errB == nil
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.records, 1)
	assert.Equal(t, "manual.pdf", idx.records[0].Source)
}
