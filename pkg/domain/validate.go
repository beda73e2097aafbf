package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedPayload is returned for payloads that are not valid JSON
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidPayload is returned for payloads missing required fields
	ErrInvalidPayload = errors.New("invalid payload")
)

// Validator checks inbound payloads against their schema tags
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new payload validator
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate checks required fields and enumerations of payload
func (v *Validator) Validate(payload interface{}) error {
	if payload == nil {
		return fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if err := v.validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// Decode unmarshals raw JSON into out and validates the result
func (v *Validator) Decode(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return v.Validate(out)
}
