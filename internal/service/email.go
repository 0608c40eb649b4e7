package service

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// EmailValidator decides whether an address is acceptable for issuance.
type EmailValidator interface {
	Valid(email string) bool
}

// BasicEmailValidator only requires an @ somewhere in the address.
type BasicEmailValidator struct{}

func (BasicEmailValidator) Valid(email string) bool {
	return strings.Contains(email, "@")
}

// StrictEmailValidator applies the validator package's email rule.
type StrictEmailValidator struct {
	validate *validator.Validate
}

func NewStrictEmailValidator() *StrictEmailValidator {
	return &StrictEmailValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *StrictEmailValidator) Valid(email string) bool {
	return v.validate.Var(email, "required,email") == nil
}
