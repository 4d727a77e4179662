package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// NormalizeText trims surrounding whitespace and converts to NFC.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Check runs struct validation and folds field errors into one
// ErrInvalid-wrapped error.
func Check(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
}

// PreparePost normalizes user text on p and validates it.
func PreparePost(p *Post) error {
	p.Title = NormalizeText(p.Title)
	p.Content = NormalizeText(p.Content)
	p.ImageURL = strings.TrimSpace(p.ImageURL)
	for i, tag := range p.Tags {
		p.Tags[i] = strings.ToLower(NormalizeText(tag))
	}
	p.Likes = NewLikeSet(p.Likes...)
	return Check(p)
}

// PrepareEdit normalizes and validates an author edit.
func PrepareEdit(e *PostEdit) error {
	e.Title = NormalizeText(e.Title)
	e.Content = NormalizeText(e.Content)
	e.ImageURL = strings.TrimSpace(e.ImageURL)
	return Check(e)
}

// PrepareComment normalizes and validates a comment body.
func PrepareComment(c *Comment) error {
	c.Content = NormalizeText(c.Content)
	return Check(c)
}

// PrepareNotification normalizes and validates a notification message.
func PrepareNotification(n *Notification) error {
	n.Message = NormalizeText(n.Message)
	return Check(n)
}

// PrepareProfile normalizes and validates a profile.
func PrepareProfile(p *Profile) error {
	p.Username = NormalizeText(p.Username)
	p.Bio = NormalizeText(p.Bio)
	return Check(p)
}
