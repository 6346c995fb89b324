package calico

import "fmt"

// Code classifies a Status. The zero value, OK, means success.
type Code uint8

const (
	OK Code = iota
	NotFound
	InvalidArgument
	Corruption
	IOError
	Busy
	NotSupported
	Aborted
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "not found"
	case InvalidArgument:
		return "invalid argument"
	case Corruption:
		return "corruption"
	case IOError:
		return "I/O error"
	case Busy:
		return "busy"
	case NotSupported:
		return "not supported"
	case Aborted:
		return "aborted"
	default:
		return "unknown status"
	}
}

// SubCode refines a Code. Only Busy/Retry and Aborted/NoMemory are defined;
// every other pairing uses NoSubCode.
type SubCode uint8

const (
	NoSubCode SubCode = iota
	Retry             // paired with Busy: caller's busy handler should be consulted
	NoMemory          // paired with Aborted: allocator/size-limit failure
)

// Status is the engine's error type. A nil *Status (and the OK code) means
// success; callers compare against Code via Is, not by string.
type Status struct {
	Code Code
	Sub  SubCode
	msg  string
	err  error
}

func (s *Status) Error() string {
	if s == nil {
		return "OK"
	}
	if s.msg == "" && s.err == nil {
		return s.Code.String()
	}
	if s.err != nil {
		return fmt.Sprintf("%s: %v", s.Code, s.err)
	}
	return fmt.Sprintf("%s: %s", s.Code, s.msg)
}

// Unwrap lets errors.Is/errors.As see through a Status to its cause.
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.err
}

// IsOK reports whether s represents success. A nil Status is OK.
func (s *Status) IsOK() bool {
	return s == nil || s.Code == OK
}

// Is reports whether err carries the given Code, so callers can write
// calico.Is(err, calico.Busy) instead of comparing concrete pointers.
func Is(err error, code Code) bool {
	if err == nil {
		return code == OK
	}
	s, ok := err.(*Status)
	if !ok {
		return false
	}
	return s.Code == code
}

func newStatus(code Code, sub SubCode, msg string, err error) *Status {
	return &Status{Code: code, Sub: sub, msg: msg, err: err}
}

func NewStatus(code Code, format string, args ...any) *Status {
	return newStatus(code, NoSubCode, fmt.Sprintf(format, args...), nil)
}

func WrapStatus(code Code, err error) *Status {
	if err == nil {
		return nil
	}
	return newStatus(code, NoSubCode, "", err)
}

func NotFoundf(format string, args ...any) *Status {
	return NewStatus(NotFound, format, args...)
}

func InvalidArgumentf(format string, args ...any) *Status {
	return NewStatus(InvalidArgument, format, args...)
}

func Corruptionf(format string, args ...any) *Status {
	return NewStatus(Corruption, format, args...)
}

func IOErrorWrap(err error) *Status {
	return WrapStatus(IOError, err)
}

// BusyStatus builds a Busy status. retry indicates the caller's busy
// handler should be consulted before giving up, per §5/§7.
func BusyStatus(retry bool) *Status {
	sub := NoSubCode
	if retry {
		sub = Retry
	}
	return newStatus(Busy, sub, "locked", nil)
}

func NoMemoryStatus(format string, args ...any) *Status {
	return newStatus(Aborted, NoMemory, fmt.Sprintf(format, args...), nil)
}
