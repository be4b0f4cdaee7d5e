// Package validation provides input validation helpers and middleware for the
// payment API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/respond"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 500

// Charge amount bounds in minor units.
const (
	MinChargeAmount int64 = 50
	MaxChargeAmount int64 = 1_000_000
)

// Metadata limits. Keys outside the allow-list pattern are dropped.
const (
	MaxMetadataKeys        = 20
	MaxMetadataValueLength = 500
)

// SupportedCurrencies is the currency allow-list (ISO 4217, upper case).
var SupportedCurrencies = map[string]bool{
	"USD": true,
	"CAD": true,
	"EUR": true,
	"GBP": true,
}

var (
	idRegex          = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
	metadataKeyRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,39}$`)

	// reservedMetadataKeys match the key pattern but are never stored.
	reservedMetadataKeys = map[string]bool{
		"constructor": true,
		"prototype":   true,
		"intent_id":   true,
		"business_id": true,
	}
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks that an identifier is short and made of safe characters
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	return s
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// FilterMetadata keeps only allow-listed keys with sanitized values.
// Input order is not significant; when more than MaxMetadataKeys keys pass,
// the extra keys are dropped in lexical order.
func FilterMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if !metadataKeyRegex.MatchString(k) || reservedMetadataKeys[strings.ToLower(k)] {
			continue
		}
		out[k] = SanitizeString(v, MaxMetadataValueLength)
	}
	if len(out) > MaxMetadataKeys {
		keys := make([]string, 0, len(out))
		for k := range out {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[MaxMetadataKeys:] {
			delete(out, k)
		}
	}
	return out
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err converts the collection into a classified error, or nil when empty.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Wrap(apperr.KindValidation, e.Error(), e)
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidID checks an optional identifier field
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 letters, digits, '_' or '-'"}
		}
		return nil
	}
}

// AmountRange checks that an amount in minor units lies in [min, max]
func AmountRange(field string, amount, min, max int64) func() *ValidationError {
	return func() *ValidationError {
		if amount < min || amount > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// Positive checks that an amount is greater than zero
func Positive(field string, amount int64) func() *ValidationError {
	return func() *ValidationError {
		if amount <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// Currency checks a currency code against the allow-list
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !SupportedCurrencies[NormalizeCurrency(value)] {
			return &ValidationError{Field: field, Message: "unsupported currency"}
		}
		return nil
	}
}

// IDParamMiddleware validates the named URL parameter on routes that use it.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !IsValidID(id) {
			respond.Fail(c, apperr.Validation(param, "malformed identifier"))
			return
		}
		c.Next()
	}
}
