package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Validater interface {
	Validate() map[string]string
}

type QuestionParams struct {
	Question string `json:"question" validate:"required"`
}

var validate = validator.New()

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func (params *QuestionParams) Validate() map[string]string {
	if err := validate.Struct(params); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return map[string]string{"request": err.Error()}
		}
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

type QuestionResponse struct {
	Answer string   `json:"answer"`
	Chunks []string `json:"chunks"`
}

type DocumentResponse struct {
	Message          string   `json:"message"`
	DocumentsIndexed int      `json:"documents_indexed"`
	TotalChunks      int      `json:"total_chunks"`
	FailedFiles      []string `json:"failed_files"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
