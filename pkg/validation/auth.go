package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterRequest is the body of POST /api/register
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

// LoginRequest is the body of POST /api/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthRequestValidator validates authentication-related requests
type AuthRequestValidator struct {
	validate *validator.Validate
}

// NewAuthRequestValidator creates a new AuthRequestValidator
func NewAuthRequestValidator() *AuthRequestValidator {
	return &AuthRequestValidator{validate: validator.New()}
}

// ValidateRegisterRequest normalizes the email and checks field constraints
func (v *AuthRequestValidator) ValidateRegisterRequest(req *RegisterRequest) error {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	return v.check(req)
}

// ValidateLoginRequest validates a login request
func (v *AuthRequestValidator) ValidateLoginRequest(req *LoginRequest) error {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	return v.check(req)
}

func (v *AuthRequestValidator) check(req any) error {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	return fieldError(fieldErrs[0])
}

func fieldError(fe validator.FieldError) error {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s cannot be empty", field)
	case "email":
		return errors.New("invalid email format")
	case "min":
		return fmt.Errorf("%s must be at least %s characters long", field, fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s characters long", field, fe.Param())
	default:
		return fmt.Errorf("%s is invalid", field)
	}
}
