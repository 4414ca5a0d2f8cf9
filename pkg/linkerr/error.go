package linkerr

import (
	"errors"
	"fmt"
	"time"
)

// Error is a classified NeuralLink error. Instances are immutable after
// creation.
type Error struct {
	Code            Code
	Severity        Severity
	Message         string
	Technical       string
	Timestamp       time.Time
	AffectedDevices []string
	Suggestion      string
	Retryable       bool
}

// New builds a classified error from the taxonomy. Unknown codes classify
// as CodeInternal.
func New(code Code, technical string, affectedDevices ...string) *Error {
	def, ok := taxonomy[code]
	if !ok {
		code = CodeInternal
		def = taxonomy[CodeInternal]
	}
	return &Error{
		Code:            code,
		Severity:        def.severity,
		Message:         def.userMessage,
		Technical:       technical,
		Timestamp:       time.Now(),
		AffectedDevices: affectedDevices,
		Suggestion:      def.suggestion,
		Retryable:       def.retryable,
	}
}

// Wrap builds a classified error carrying err as the technical detail.
func Wrap(code Code, err error, affectedDevices ...string) *Error {
	technical := ""
	if err != nil {
		technical = err.Error()
	}
	return New(code, technical, affectedDevices...)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Technical != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Technical)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Notifiable reports whether this error should produce a user-visible
// notification. Critical severity always notifies.
func (e *Error) Notifiable() bool {
	if e.Severity == SeverityCritical {
		return true
	}
	def, ok := taxonomy[e.Code]
	return ok && def.notifiable
}

// CodeOf extracts the taxonomy code from an error chain. Returns
// CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeInternal
}
