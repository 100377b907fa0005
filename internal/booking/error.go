package booking

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnitNotFound        = errors.New("unit not found")
	ErrPropertyNotFound    = errors.New("property not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrConflict            = errors.New("unit is not available for the requested range")
	ErrRecordNotFound      = errors.New("record not found")

	ErrIdempotencyKeyReused    = errors.New("idempotency key was used for a different request")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already stored")
)

// InputError collects validation messages per request field.
type InputError struct {
	fields map[string][]string
	causes []error
}

func newInputError() *InputError {
	return &InputError{
		fields: make(map[string][]string),
	}
}

func IsInputError(err error) *InputError {
	if err == nil {
		return nil
	}

	var inputError *InputError

	if errors.As(err, &inputError) {
		return inputError
	}

	return nil
}

func (ie *InputError) fieldsCount() int {
	return len(ie.fields)
}

func (ie *InputError) addError(field, msg string) {
	ie.fields[field] = append(ie.fields[field], msg)
}

// addCause records a sentinel the error should match with errors.Is.
func (ie *InputError) addCause(err error) {
	ie.causes = append(ie.causes, err)
}

func (ie *InputError) orNil() error {
	if ie.fieldsCount() > 0 {
		return ie
	}
	return nil
}

func (ie *InputError) Error() string {
	keys := make([]string, 0, len(ie.fields))
	for k := range ie.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(ie.fields[k], ", ")))
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (ie *InputError) Fields() map[string][]string {
	return ie.fields
}

func (ie *InputError) Unwrap() []error {
	return ie.causes
}
