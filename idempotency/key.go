package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 512

// KeyPrefix starts every generated key.
const KeyPrefix = "idem"

// Keyer derives idempotency keys from the business identity of an action.
//
// Contract:
// - Determinism: identical inputs always produce identical keys.
// - Sensitivity: a change in any single component produces a different key.
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: missing or malformed components fail with ErrInvalidKeyInput.
type Keyer interface {
	Key(ownerID any, actionType string, conversationID, instanceID any) (string, error)
}

// DefaultKeyer generates SHA-256 based keys.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

type keyInput struct {
	OwnerID        string `validate:"required,token,max=256"`
	ActionType     string `validate:"required,token,max=64"`
	ConversationID string `validate:"required,token,max=256"`
	InstanceID     string `validate:"required,token,max=256"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("token", isPrintableToken)
	return v
}

func isPrintableToken(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// Key generates a deterministic key.
// Format: idem:<actionType>:<hash>
// where hash is the first 32 hex characters of SHA-256 over the
// length-prefixed components.
func (k *DefaultKeyer) Key(ownerID any, actionType string, conversationID, instanceID any) (string, error) {
	in := keyInput{ActionType: actionType}
	var err error
	if in.OwnerID, err = formatToken("ownerID", ownerID); err != nil {
		return "", err
	}
	if in.ConversationID, err = formatToken("conversationID", conversationID); err != nil {
		return "", err
	}
	if in.InstanceID, err = formatToken("instanceID", instanceID); err != nil {
		return "", err
	}

	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return "", fmt.Errorf("%w: %s failed %q", ErrInvalidKeyInput, verrs[0].Field(), verrs[0].Tag())
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidKeyInput, err)
	}

	h := sha256.New()
	var lenBuf [8]byte
	for _, part := range []string{in.OwnerID, in.ActionType, in.ConversationID, in.InstanceID} {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}
	sum := h.Sum(nil)

	return KeyPrefix + ":" + in.ActionType + ":" + hex.EncodeToString(sum[:16]), nil
}

var defaultKeyer = NewDefaultKeyer()

// GenerateKey derives a key with the default keyer.
func GenerateKey(ownerID any, actionType string, conversationID, instanceID any) (string, error) {
	return defaultKeyer.Key(ownerID, actionType, conversationID, instanceID)
}

// formatToken renders an identifier as an opaque string token.
// Strings, fmt.Stringer values and integers are accepted. Floats are
// accepted when they hold a whole number, which is how JSON decodes ids into
// any; 42.0 yields the same token as 42.
func formatToken(field string, v any) (string, error) {
	if isNilValue(v) {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidKeyInput, field)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case int:
		return strconv.FormatInt(int64(t), 10), nil
	case int8:
		return strconv.FormatInt(int64(t), 10), nil
	case int16:
		return strconv.FormatInt(int64(t), 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return formatWholeFloat(field, float64(t))
	case float64:
		return formatWholeFloat(field, t)
	default:
		return "", fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidKeyInput, field, v)
	}
}

func formatWholeFloat(field string, f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return "", fmt.Errorf("%w: %s is not a whole number", ErrInvalidKeyInput, field)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// isNilValue reports whether v is nil or a typed nil such as a nil
// *uuid.UUID, whose String method would panic.
func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// ValidateKey checks that a caller-supplied key can be stored.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

var _ Keyer = (*DefaultKeyer)(nil)
