package identity

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// SignInPayload carries password credentials for the backend.
type SignInPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (p SignInPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Password, validation.Required),
	)
}

// SignUpPayload carries registration details. Phone is optional but must be
// a valid E.164 number when present.
type SignUpPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

func (p SignUpPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Password, validation.Required, validation.Length(8, 0)),
		validation.Field(&p.Phone, validation.By(validPhoneNumber)),
	)
}

func validPhoneNumber(value interface{}) error {
	phone, _ := value.(string)
	if phone == "" {
		return nil
	}

	parsed, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return errors.New("must be a valid phone number in international format")
	}

	if !phonenumbers.IsValidNumber(parsed) {
		return errors.New("must be a valid phone number")
	}

	return nil
}
