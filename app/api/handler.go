package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"ragforge/types"
)

type Answerer interface {
	Answer(ctx context.Context, question string) (types.Answer, error)
}

type RequestHandler struct {
	agent  Answerer
	logger *zap.Logger
}

func NewRequestHandler(agent Answerer, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{agent: agent, logger: logger}
}

func (h *RequestHandler) HandleQuestion(c *fiber.Ctx) error {
	var params types.QuestionParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}
	h.logger.Info("question received", zap.Int("len", len(params.Question)))

	ans, err := h.agent.Answer(c.UserContext(), params.Question)
	if err != nil {
		return err
	}

	chunks := ans.Contexts
	if chunks == nil {
		chunks = []string{}
	}
	h.logger.Info("question answered", zap.Int("answer_len", len(ans.Text)), zap.Int("chunks", len(chunks)))
	return c.JSON(types.QuestionResponse{Answer: ans.Text, Chunks: chunks})
}
