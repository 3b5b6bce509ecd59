package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"ragforge/types"
)

// ErrorHandler maps handler errors to JSON responses. Pipeline sentinels get
// their own status codes; everything else is a 500.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var apiErr Error
		if errors.As(err, &apiErr) {
			return c.Status(apiErr.Code).JSON(apiErr)
		}
		var valErr ValidationError
		if errors.As(err, &valErr) {
			return c.Status(valErr.Status).JSON(valErr)
		}
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(NewError(fiberErr.Code, fiberErr.Message))
		}

		code := fiber.StatusInternalServerError
		switch {
		case errors.Is(err, types.ErrValidation):
			code = fiber.StatusUnprocessableEntity
		case errors.Is(err, types.ErrNoDocumentsProcessed):
			code = fiber.StatusBadRequest
		}

		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		}
		var ge *goerr.Error
		if errors.As(err, &ge) {
			fields = append(fields, zap.Any("values", ge.Values()))
		}
		logger.Error("request failed", fields...)

		return c.Status(code).JSON(NewError(code, err.Error()))
	}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: fiber.StatusUnprocessableEntity,
		Errors: errors,
	}
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
	}
}

func ErrNoFiles() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "No documents were provided. Please upload at least one PDF file.",
	}
}
