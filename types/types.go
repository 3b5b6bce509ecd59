package types

import (
	"time"

	"github.com/google/uuid"
)

// Document is a raw uploaded file. It is consumed once by the ingestion pipeline.
type Document struct {
	Filename  string
	MediaType string
	Content   []byte
}

// Chunk is a bounded slice of a document's normalized text.
type Chunk struct {
	Content string
	Source  string // filename of the originating document
}

// IndexedRecord is the unit written to the vector engine. Records are immutable:
// re-ingesting a document creates new records.
type IndexedRecord struct {
	ID      uuid.UUID `json:"id"`
	Content string    `json:"content"`
	Vector  []float32 `json:"vector"`
	Source  string    `json:"source"`
}

// NewIndexedRecord generates a fresh identifier for the chunk.
func NewIndexedRecord(c Chunk, vector []float32) IndexedRecord {
	return IndexedRecord{
		ID:      uuid.New(),
		Content: c.Content,
		Vector:  vector,
		Source:  c.Source,
	}
}

// SearchHit is one ranked k-NN result.
type SearchHit struct {
	ID      string
	Content string
	Source  string
	Score   float64
}

// BulkFailure describes a record that could not be indexed.
type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Answer is generated text plus the contexts it was grounded on.
type Answer struct {
	Text     string
	Contexts []string
}

type IngestResult struct {
	Documents int
	Chunks    int
}

type FailedFile struct {
	Filename string
	Reason   string
}

func (f FailedFile) String() string {
	return f.Filename + " (" + f.Reason + ")"
}

type BatchResult struct {
	// Attempted counts files that entered the pipeline, i.e. passed the PDF check.
	Attempted        int
	DocumentsIndexed int
	TotalChunks      int
	Failed           []FailedFile
}

type HealthStatus string

const (
	HealthGreen  HealthStatus = "green"
	HealthYellow HealthStatus = "yellow"
	HealthRed    HealthStatus = "red"
)

type Health struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// Reasons recorded for files that did not make it into the index.
const (
	ReasonNotPDF          = "not a PDF"
	ReasonProcessingError = "processing error"
	ReasonUploadError     = "upload error"
	ReasonNothingIndexed  = "nothing indexed"
)
