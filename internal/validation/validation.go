// Package validation checks registration, login and compose input.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalid wraps every validation failure
	ErrInvalid = errors.New("invalid input")
	// ErrInvalidPassword is returned when a password doesn't meet requirements
	ErrInvalidPassword = errors.New("invalid password: must be 8-128 characters with an uppercase letter and a number")
	// ErrInvalidEmail is returned when an address is malformed
	ErrInvalidEmail = errors.New("invalid email address")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	// password: at least one uppercase letter and one digit
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		var upper, digit bool
		for _, r := range fl.Field().String() {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsDigit(r):
				digit = true
			}
		}
		return upper && digit
	})
	return v
}

// Registration is the sign-up form.
type Registration struct {
	Name     string `json:"name" validate:"required,min=3,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128,password"`
	Role     string `json:"role" validate:"omitempty,oneof=admin user"`
}

// Login is the sign-in form.
type Login struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Compose is a message about to be sent. Subject is required for new
// messages only; replies and forwards derive theirs.
type Compose struct {
	Kind       string   `json:"kind" validate:"required,oneof=new reply forward"`
	Recipients []string `json:"recipients" validate:"required,min=1,dive,required,email"`
	Subject    string   `json:"subject" validate:"required_if=Kind new,max=998"`
	Content    string   `json:"content" validate:"max=1048576"`
}

// Struct validates s and returns an error listing every failed field.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, ", "))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return field + " must have at least " + fe.Param() + " entry"
		}
		return field + " must be at least " + fe.Param() + " characters"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	case "email":
		return field + " must be a valid email"
	case "password":
		return field + " must include at least 1 uppercase letter and 1 number"
	case "oneof":
		return field + " must be one of " + fe.Param()
	default:
		return field + " is invalid"
	}
}

// Password checks if a password meets security requirements
func Password(password string) error {
	if err := validate.Var(password, "required,min=8,max=128,password"); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// Email checks that an address is well-formed
func Email(email string) error {
	if err := validate.Var(strings.TrimSpace(email), "required,email"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}
