package internal

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"ragforge/types"
)

const DefaultOCRBinary = "ocrmypdf"

// CommandRunner runs an external program and returns its captured streams.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// OCREngine recognises text in image-only PDFs through ocrmypdf.
type OCREngine struct {
	binary string
	runner CommandRunner
	logger *zap.Logger
}

func NewOCREngine(binary string, logger *zap.Logger) *OCREngine {
	return NewOCREngineWithRunner(binary, execRunner{}, logger)
}

func NewOCREngineWithRunner(binary string, runner CommandRunner, logger *zap.Logger) *OCREngine {
	if binary == "" {
		binary = DefaultOCRBinary
	}
	return &OCREngine{binary: binary, runner: runner, logger: logger}
}

// OCR runs the recogniser on inPDF and returns the text it writes to sidecarPath.
// The intermediate output PDF is always removed.
func (o *OCREngine) OCR(ctx context.Context, inPDF, sidecarPath string) (string, error) {
	tmp, err := os.CreateTemp("", "ocr-*.pdf")
	if err != nil {
		return "", goerr.Wrap(err, "failed to create temporary pdf")
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			o.logger.Warn("failed to remove temporary pdf", zap.String("path", tmpPath), zap.Error(err))
		}
	}()

	_, stderr, err := o.runner.Run(ctx, o.binary, inPDF, tmpPath, "--sidecar", sidecarPath, "--quiet")
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		return "", goerr.Wrap(types.ErrOCRProcess, msg,
			goerr.V("binary", o.binary),
			goerr.V("input", inPDF),
			goerr.V("stderr", string(stderr)),
		)
	}

	text, err := os.ReadFile(sidecarPath)
	if err != nil {
		return "", goerr.Wrap(err, "failed to read ocr sidecar", goerr.V("path", sidecarPath))
	}
	return string(text), nil
}
