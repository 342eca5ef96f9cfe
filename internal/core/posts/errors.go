package posts

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextLength bounds post and comment text, counted in runes
const MaxTextLength = 3000

// ErrInvalidContent is returned for general content violations
var ErrInvalidContent = errors.New("invalid post content")

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%s): %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation failure with ErrInvalidContent
func (e *ValidationError) Unwrap() error {
	return ErrInvalidContent
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Validate checks a post body before it is sent
func (r CreatePostRequest) Validate() error {
	return validateBody(r.Text, r.Media)
}

// Validate checks an edit before it is sent
func (r UpdatePostRequest) Validate() error {
	return validateBody(r.Text, r.Media)
}

// Validate checks a comment before it is sent
func (r CreateCommentRequest) Validate() error {
	if r.PostID == "" {
		return NewValidationError("postId", "required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return NewValidationError("text", "required")
	}
	if utf8.RuneCountInString(r.Text) > MaxTextLength {
		return NewValidationError("text", fmt.Sprintf("must not exceed %d characters", MaxTextLength))
	}
	return nil
}

func validateBody(text string, media *MediaRef) error {
	if strings.TrimSpace(text) == "" && media == nil {
		return NewValidationError("text", "text or media is required")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return NewValidationError("text", fmt.Sprintf("must not exceed %d characters", MaxTextLength))
	}
	if media != nil && media.URL == "" {
		return NewValidationError("media", "url is required")
	}
	return nil
}
