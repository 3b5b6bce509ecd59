package types

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrValidation marks rejected input: blank question, non-PDF file, empty upload.
	ErrValidation = goerr.New("validation failed")

	ErrExtraction   = goerr.New("pdf text extraction failed")
	ErrOCRProcess   = goerr.New("ocr process failed")
	ErrStageTimeout = goerr.New("pipeline stage timed out")

	// ErrIndexNotFound is interpreted as "empty" by retrieval and emptiness checks.
	ErrIndexNotFound = goerr.New("index not found")

	// ErrBulkIndex is returned when any record still fails after retries. Partial
	// state may already exist in the engine.
	ErrBulkIndex = goerr.New("bulk index failed")

	// ErrDimensionMismatch is a configuration error, never a per-record failure.
	ErrDimensionMismatch = goerr.New("embedding dimensionality mismatch")

	ErrNoDocumentsProcessed = goerr.New("no documents were processed successfully")

	// ErrConfiguration marks a deployment problem, such as a missing license,
	// that fails every document alike.
	ErrConfiguration = goerr.New("invalid configuration")
)

// Keys for values attached to errors.
const (
	StageKey    = "stage"
	FileKey     = "file"
	IndexKey    = "index"
	ExpectedKey = "expected"
	ActualKey   = "actual"
)

// StageError wraps err for the named pipeline stage. Deadline expiry is reported
// as ErrStageTimeout so callers can tell it apart from provider failures.
func StageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return goerr.Wrap(ErrStageTimeout, err.Error(), goerr.V(StageKey, stage))
	}
	return goerr.Wrap(err, stage+" failed", goerr.V(StageKey, stage))
}

// IsTimeout reports whether err came from an expired stage deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrStageTimeout) || errors.Is(err, context.DeadlineExceeded)
}
