// Package backuperr defines the structured errors returned by the catalog,
// archiver, restorer and engine. Every failure carries a Kind so callers can
// branch on it instead of parsing message text.
package backuperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	Conflict
	InvalidState
	InvalidTransition
	Corrupt
	Security
	IOError
	InvalidArgument
)

var kindToString = map[Kind]string{
	Unknown:           "Unknown",
	NotFound:          "NotFound",
	Conflict:          "Conflict",
	InvalidState:      "InvalidState",
	InvalidTransition: "InvalidTransition",
	Corrupt:           "Corrupt",
	Security:          "Security",
	IOError:           "IOError",
	InvalidArgument:   "InvalidArgument",
}

var stringToKind map[string]Kind

func init() {
	stringToKind = util.InvertMap(kindToString)
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := stringToKind[s]; ok {
		return k, nil
	}
	return Unknown, fmt.Errorf("invalid error kind: %q", s)
}

// MarshalJSON implements the json.Marshaler interface for Kind.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("error kind should be a string, got %s", data)
	}
	kind, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Error is a classified failure. Op names the operation that failed
// (e.g. "catalog.insert"), Msg is the human-readable detail and Err the cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind. A target carrying a message only
// matches when the messages are equal too, so the bare sentinels below match any
// error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

// Sentinels for errors.Is.
var (
	ErrNotFound          = &Error{Kind: NotFound}
	ErrConflict          = &Error{Kind: Conflict}
	ErrInvalidState      = &Error{Kind: InvalidState}
	ErrInvalidTransition = &Error{Kind: InvalidTransition}
	ErrCorrupt           = &Error{Kind: Corrupt}
	ErrSecurity          = &Error{Kind: Security}
	ErrIO                = &Error{Kind: IOError}
	ErrInvalidArgument   = &Error{Kind: InvalidArgument}
)

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies a cause. Wrap returns nil for a nil cause, and keeps an
// already classified cause's kind by nesting it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies a cause and adds a formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
