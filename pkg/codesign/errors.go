package codesign

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a pipeline failure
type ErrorKind string

const (
	KindInvalidArchivePath         ErrorKind = "InvalidArchivePath"
	KindInvalidArchiveLayout       ErrorKind = "InvalidArchiveLayout"
	KindInvalidProvisioningProfile ErrorKind = "InvalidProvisioningProfile"
	KindExtractionFailed           ErrorKind = "ExtractionFailed"
	KindPackagingFailed            ErrorKind = "PackagingFailed"
	KindSigningFailed              ErrorKind = "SigningFailed"
	KindScratchAllocationFailed    ErrorKind = "ScratchAllocationFailed"
	KindCertificateNotFound        ErrorKind = "CertificateNotFound"
)

// Sentinels for use with errors.Is. Any *Error of the same kind matches.
var (
	ErrInvalidArchivePath         = &Error{Kind: KindInvalidArchivePath}
	ErrInvalidArchiveLayout       = &Error{Kind: KindInvalidArchiveLayout}
	ErrInvalidProvisioningProfile = &Error{Kind: KindInvalidProvisioningProfile}
	ErrExtractionFailed           = &Error{Kind: KindExtractionFailed}
	ErrPackagingFailed            = &Error{Kind: KindPackagingFailed}
	ErrSigningFailed              = &Error{Kind: KindSigningFailed}
	ErrScratchAllocationFailed    = &Error{Kind: KindScratchAllocationFailed}
	ErrCertificateNotFound        = &Error{Kind: KindCertificateNotFound}
)

// Error is the typed failure returned by every pipeline stage.
// Output holds the raw diagnostic text of an external tool, if one was involved.
type Error struct {
	Kind   ErrorKind
	Path   string
	Msg    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path=%s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ToolOutput returns the captured external tool diagnostic carried by err, if any
func ToolOutput(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Output
	}
	return ""
}

func newError(kind ErrorKind, path, msg string, err error) *Error {
	return &Error{Kind: kind, Path: path, Msg: msg, Err: err}
}

func toolError(kind ErrorKind, path string, res Result, err error) *Error {
	out := strings.TrimSpace(string(res.Stderr))
	if out == "" {
		out = strings.TrimSpace(string(res.Stdout))
	}
	msg := fmt.Sprintf("exit status %d", res.ExitCode)
	if err != nil {
		msg = ""
	}
	return &Error{Kind: kind, Path: path, Msg: msg, Output: out, Err: err}
}
