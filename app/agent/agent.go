package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"ragforge/metrics"
	"ragforge/model"
	"ragforge/types"
)

const (
	NoDocumentsMessage = "I apologize, but there are no documents in the knowledge base yet. " +
		"Please upload some PDF documents first so I can help answer your questions."
	InsufficientContextMessage = "I apologize, but I don't have enough context to answer your question accurately."
	GenerationTimeoutMessage   = "I apologize, but I was unable to generate an answer in time. Please try again."

	SystemMessage = "You are a helpful assistant that provides accurate answers based only on the provided context. " +
		"If you cannot answer based on the context, say so clearly."
)

// Answer outcomes reported to metrics.
const (
	outcomeAnswered    = "answered"
	outcomeNoDocuments = "no_documents"
	outcomeNoContext   = "no_context"
	outcomeTimeout     = "timeout"
	outcomeError       = "error"
)

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) (int, error)

// Agent answers questions from the indexed documents.
type Agent struct {
	retriever         *Retriever
	index             Index
	llm               model.CompletionProvider
	topK              int
	generationTimeout time.Duration
	countTokens       TokenCounter
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

type Option func(*Agent)

func WithTopK(k int) Option {
	return func(a *Agent) {
		if k > 0 {
			a.topK = k
		}
	}
}

func WithGenerationTimeout(d time.Duration) Option {
	return func(a *Agent) { a.generationTimeout = d }
}

func WithTokenCounter(c TokenCounter) Option {
	return func(a *Agent) { a.countTokens = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

func New(retriever *Retriever, index Index, llm model.CompletionProvider, logger *zap.Logger, opts ...Option) *Agent {
	a := &Agent{
		retriever:         retriever,
		index:             index,
		llm:               llm,
		topK:              DefaultTopK,
		generationTimeout: 30 * time.Second,
		countTokens:       CountTokens,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Answer retrieves context for question and generates an answer grounded in it.
// An empty index or an empty retrieval short-circuits with a fixed message and
// no provider call. A generation timeout also yields a fixed message.
func (a *Agent) Answer(ctx context.Context, question string) (types.Answer, error) {
	if strings.TrimSpace(question) == "" {
		return types.Answer{}, goerr.Wrap(types.ErrValidation, "question cannot be empty")
	}
	a.logger.Info("starting rag process", zap.Int("question_len", len(question)))

	if a.index.IsEmpty(ctx) {
		a.metrics.Query(outcomeNoDocuments)
		return types.Answer{Text: NoDocumentsMessage, Contexts: []string{}}, nil
	}

	contexts, err := a.retriever.Retrieve(ctx, question, a.topK)
	if err != nil {
		a.metrics.Query(outcomeError)
		return types.Answer{}, err
	}
	if len(contexts) == 0 {
		a.metrics.Query(outcomeNoContext)
		return types.Answer{Text: InsufficientContextMessage, Contexts: []string{}}, nil
	}

	text, err := a.generate(ctx, question, contexts)
	if err != nil {
		a.metrics.Query(outcomeError)
		return types.Answer{}, err
	}
	a.logger.Info("rag process completed", zap.Int("answer_len", len(text)), zap.Int("chunks", len(contexts)))
	return types.Answer{Text: text, Contexts: contexts}, nil
}

func (a *Agent) generate(ctx context.Context, question string, contexts []string) (string, error) {
	start := time.Now()
	defer func() {
		a.logger.Info("llm answer took", zap.Duration("elapsed", time.Since(start)))
	}()

	prompt := BuildPrompt(question, contexts)
	if n, err := a.countTokens(SystemMessage + prompt); err == nil {
		a.logger.Info("prompt size", zap.Int("tokens", n), zap.Int("chars", len(prompt)))
	} else {
		a.logger.Debug("failed to count prompt tokens", zap.Error(err))
	}

	gctx, cancel := context.WithTimeout(ctx, a.generationTimeout)
	defer cancel()
	text, err := a.llm.Complete(gctx, prompt, SystemMessage)
	if err == nil {
		a.metrics.Query(outcomeAnswered)
		return text, nil
	}
	if ctx.Err() == nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
		a.logger.Error("timeout while generating answer", zap.Duration("timeout", a.generationTimeout))
		a.metrics.StageTimeout("generation")
		a.metrics.Query(outcomeTimeout)
		return GenerationTimeoutMessage, nil
	}
	a.logger.Error("failed to generate answer", zap.String("provider", a.llm.Name()), zap.Error(err))
	return "", goerr.Wrap(err, "failed to generate answer")
}

// BuildPrompt places all contexts, in retrieval order, ahead of the question.
func BuildPrompt(question string, contexts []string) string {
	var sb strings.Builder
	sb.WriteString("Answer the question based only on the following context. ")
	sb.WriteString("If the context doesn't contain enough information to answer accurately, say so.\n\n")
	sb.WriteString("Context:\n")
	sb.WriteString(strings.Join(contexts, " "))
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

// CountTokens counts text with the cl100k_base encoding used by OpenAI chat models.
func CountTokens(text string) (int, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	})
	if encErr != nil {
		return 0, encErr
	}
	return len(enc.Encode(text, nil, nil)), nil
}
