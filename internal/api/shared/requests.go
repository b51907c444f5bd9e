package shared

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Shared validator instance; validator caches struct metadata, so handlers
// reuse one.
var validate = validator.New()

// DecodeJSON decodes a request body into the given value. Task submission
// bodies carry an opaque payload, so decoding stays lenient about unknown
// fields.
func DecodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ValidateRequest checks a decoded request against its struct tags. Request
// types can supply their own Validate method for rules tags cannot express.
func ValidateRequest(v interface{}) error {
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return validate.Struct(v)
}
