// Package errs defines the error taxonomy shared by the SDK store and the
// build pipeline. Errors carry a Kind so callers can branch with errors.Is
// while the message keeps the stage and the deepest diagnostic available.
package errs

import (
	"errors"
	"strings"
)

// Kind categorizes a failure.
type Kind string

const (
	KindNotSupportedVersion Kind = "not_supported_version"
	KindAlreadyInstalled    Kind = "already_installed"
	KindNotInstalled        Kind = "not_installed"
	KindDownload            Kind = "download"
	KindVerification        Kind = "verification"
	KindRemovalIncomplete   Kind = "removal_incomplete"
	KindCompile             Kind = "compile"
	KindLink                Kind = "link"
	KindOptimization        Kind = "optimization"
	KindLockContention      Kind = "lock_contention"
	KindIO                  Kind = "io"
)

// Sentinels for errors.Is matching. Only the Kind is compared.
var (
	NotSupportedVersion = &Error{Kind: KindNotSupportedVersion}
	AlreadyInstalled    = &Error{Kind: KindAlreadyInstalled}
	NotInstalled        = &Error{Kind: KindNotInstalled}
	Download            = &Error{Kind: KindDownload}
	Verification        = &Error{Kind: KindVerification}
	RemovalIncomplete   = &Error{Kind: KindRemovalIncomplete}
	Compile             = &Error{Kind: KindCompile}
	Link                = &Error{Kind: KindLink}
	Optimization        = &Error{Kind: KindOptimization}
	LockContention      = &Error{Kind: KindLockContention}
	IO                  = &Error{Kind: KindIO}
)

// Error is the structured error returned at component boundaries.
type Error struct {
	Kind    Kind
	Stage   string
	Version string
	Detail  string
	// Diagnostic is tool output passed through verbatim (compiler stderr etc).
	Diagnostic string
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteByte(']')
	if e.Stage != "" {
		b.WriteString(" ")
		b.WriteString(e.Stage)
	}
	if e.Version != "" {
		b.WriteString(" (")
		b.WriteString(e.Version)
		b.WriteByte(')')
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// WithStage sets the stage name and returns the receiver.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithVersion sets the runtime version and returns the receiver.
func (e *Error) WithVersion(version string) *Error {
	e.Version = version
	return e
}

// WithDiagnostic attaches tool output and returns the receiver.
func (e *Error) WithDiagnostic(diag string) *Error {
	e.Diagnostic = diag
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IOf wraps a plain filesystem error as KindIO unless it already carries a kind.
func IOf(err error, detail string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return Wrap(KindIO, err, detail)
}
