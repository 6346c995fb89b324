package calico

import (
	"errors"
	"testing"
)

func TestStatusIsOK(t *testing.T) {
	var nilStatus *Status
	if !nilStatus.IsOK() {
		t.Fatalf("nil Status should be OK")
	}
	if NotFoundf("x").IsOK() {
		t.Fatalf("NotFound Status should not be OK")
	}
}

func TestIsMatchesCode(t *testing.T) {
	st := Corruptionf("page %d truncated", 7)
	if !Is(st, Corruption) {
		t.Fatalf("Is(Corruption) should match")
	}
	if Is(st, IOError) {
		t.Fatalf("Is(IOError) should not match a Corruption status")
	}
	if !Is(nil, OK) {
		t.Fatalf("Is(nil, OK) should be true")
	}
}

func TestWrapStatusPreservesCause(t *testing.T) {
	cause := errors.New("disk error")
	st := IOErrorWrap(cause)
	if !errors.Is(st, cause) {
		t.Fatalf("errors.Is should see through Status.Unwrap to the cause")
	}
	if st.Code != IOError {
		t.Fatalf("got code %v, want IOError", st.Code)
	}
}

func TestWrapStatusNilErrIsNil(t *testing.T) {
	if st := WrapStatus(IOError, nil); st != nil {
		t.Fatalf("WrapStatus(code, nil) should be nil, got %v", st)
	}
}

func TestBusyStatusSubCode(t *testing.T) {
	st := BusyStatus(true)
	if st.Code != Busy || st.Sub != Retry {
		t.Fatalf("got %v/%v, want Busy/Retry", st.Code, st.Sub)
	}
	st2 := BusyStatus(false)
	if st2.Sub != NoSubCode {
		t.Fatalf("got sub %v, want NoSubCode", st2.Sub)
	}
}
