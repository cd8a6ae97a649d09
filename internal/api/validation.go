// validation.go -- Request decoding and struct validation.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 << 10

var requestValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names, not Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("totp", func(fl validator.FieldLevel) bool {
		return auth.IsTOTPCode(fl.Field().String())
	})
	v.RegisterValidation("backupcode", func(fl validator.FieldLevel) bool {
		return auth.IsBackupCode(fl.Field().String())
	})
	return v
}

// normalizer is implemented by requests that clean their fields before validation.
type normalizer interface {
	normalize()
}

// normalizeCode trims and upper-cases a TOTP or backup code as typed by a user.
func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// decodeAndValidate reads exactly one JSON object from r into dst and validates it.
// Errors are auth.InvalidInput with a message safe to return.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return auth.InvalidInput("invalid JSON body")
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return auth.InvalidInput("invalid JSON body")
	}

	if n, ok := dst.(normalizer); ok {
		n.normalize()
	}

	if err := requestValidator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return auth.InvalidInput(fieldMessage(verrs[0]))
		}
		return auth.InvalidInput("invalid request payload")
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return "invalid email format"
	case "max":
		return fmt.Sprintf("%s is too long", field)
	case "totp", "backupcode", "totp|backupcode":
		return "invalid code"
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, fe.Param())
	default:
		return fmt.Sprintf("invalid %s", field)
	}
}
