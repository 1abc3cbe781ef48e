package gocsp

import "fmt"

// Code is one of the numeric error codes from spec §6, kept alongside the
// original C library's values so a packet trace or log line matches the
// reference implementation's vocabulary.
type Code int

const (
	CodeNone     Code = 0
	CodeNoMem    Code = -1
	CodeInval    Code = -2
	CodeTimedOut Code = -3
	CodeUsed     Code = -4
	CodeNotSup   Code = -5
	CodeBusy     Code = -6
	CodeAlready  Code = -7
	CodeReset    Code = -8
	CodeNoBufs   Code = -9
	CodeTX       Code = -10
	CodeDriver   Code = -11
	CodeAgain    Code = -12
	CodeNoSys    Code = -38
	CodeHMAC     Code = -100
	CodeCRC32    Code = -102
	CodeSFP      Code = -103
)

var codeNames = map[Code]string{
	CodeNone:     "NONE",
	CodeNoMem:    "NOMEM",
	CodeInval:    "INVAL",
	CodeTimedOut: "TIMEDOUT",
	CodeUsed:     "USED",
	CodeNotSup:   "NOTSUP",
	CodeBusy:     "BUSY",
	CodeAlready:  "ALREADY",
	CodeReset:    "RESET",
	CodeNoBufs:   "NOBUFS",
	CodeTX:       "TX",
	CodeDriver:   "DRIVER",
	CodeAgain:    "AGAIN",
	CodeNoSys:    "NOSYS",
	CodeHMAC:     "HMAC",
	CodeCRC32:    "CRC32",
	CodeSFP:      "SFP",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Error wraps a Code with optional context, following the teacher's
// fmt.Errorf("...: %w", err) wrapping idiom (see DESIGN.md) rather than
// returning bare codes or panicking.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, &Error{Code: CodeTimedOut}) matches any error carrying that
// code; ErrCode extracts the Code directly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError constructs an *Error for op with the given code, optionally
// wrapping cause.
func NewError(op string, code Code, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// ErrCode reports the Code carried by err, or CodeNone if err is nil and
// CodeInval if err does not wrap a *Error (never used to hide a real
// error — callers that need to know "was there an error at all" should
// still check err != nil).
func ErrCode(err error) Code {
	if err == nil {
		return CodeNone
	}
	var e *Error
	if asError(err, &e) {
		return e.Code
	}
	return CodeInval
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
