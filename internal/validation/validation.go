// Package validation checks API request fields before they reach a service.
//
// Checks are composed with Validate so a handler reports every bad field at
// once. Optional fields pass when empty; pair them with Required otherwise.
package validation

import (
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize caps request bodies.
const MaxRequestSize = 1 << 20

// MaxStringLength caps free-text fields such as titles, CIDs and hashes.
const MaxStringLength = 10000

// MaxDecimals is the number of fractional digits an ETH amount may carry.
const MaxDecimals = 18

var idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether id is a well-formed milestone or job id.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IDParamMiddleware rejects malformed :id URL parameters before they reach
// a handler or the store.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-128 letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is every failed check of one request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every check and collects the failures.
func Validate(checks ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func fail(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// Required rejects empty or whitespace-only values.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// ValidAddress accepts a 0x-prefixed, non-zero 20-byte address in any case.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !strings.HasPrefix(value, "0x") || !common.IsHexAddress(value) {
			return fail(field, "must be a valid Ethereum address (0x...)")
		}
		if common.HexToAddress(value) == (common.Address{}) {
			return fail(field, "must not be the zero address")
		}
		return nil
	}
}

// PrivateKey checks a field holds a 32-byte hex key. The value itself is
// never echoed back.
func PrivateKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		key := strings.TrimPrefix(strings.TrimSpace(value), "0x")
		if key == "" {
			return fail(field, "is required")
		}
		if b, err := hex.DecodeString(key); err != nil || len(b) != 32 {
			return fail(field, "must be 64 hex characters")
		}
		return nil
	}
}

// ValidAmount accepts a positive plain decimal ETH amount with at most
// MaxDecimals fractional digits. Signs, exponents and bare dots are rejected.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if strings.ContainsAny(value, "eE+-") || strings.HasPrefix(value, ".") || strings.HasSuffix(value, ".") {
			return fail(field, "invalid amount format")
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return fail(field, "invalid amount format")
		}
		if !d.IsPositive() {
			return fail(field, "amount must be greater than zero")
		}
		if frac := strings.SplitN(value, ".", 2); len(frac) == 2 && len(frac[1]) > MaxDecimals {
			return fail(field, "at most 18 decimal places")
		}
		return nil
	}
}
