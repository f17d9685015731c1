package apperrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindValidation, "bad input")
	if e.Error() != "validation: bad input" {
		t.Fatalf("Error() = %q", e.Error())
	}
	e.WithDetailsf("field %s", "controlId")
	if e.Error() != "validation: bad input (field controlId)" {
		t.Fatalf("Error() with detail = %q", e.Error())
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	e := Wrap(cause, KindCrypto, "signature check failed")
	if !errors.Is(e, cause) {
		t.Fatal("expected Unwrap to expose the cause to errors.Is")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindUsage:               http.StatusBadRequest,
		KindValidation:          http.StatusBadRequest,
		KindNotFound:            http.StatusNotFound,
		KindCrypto:              http.StatusUnprocessableEntity,
		KindExpiry:              http.StatusGone,
		KindNetwork:             http.StatusBadGateway,
		KindServerError:         http.StatusInternalServerError,
		KindConstraintViolation: http.StatusConflict,
	}
	for kind, want := range cases {
		got := New(kind, "x").HTTPStatus()
		if got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestExitCodeMapping(t *testing.T) {
	if New(KindUsage, "x").ExitCode() != 2 {
		t.Fatal("usage errors should exit 2")
	}
	if New(KindValidation, "x").ExitCode() != 2 {
		t.Fatal("validation errors should exit 2")
	}
	if New(KindServerError, "x").ExitCode() != 1 {
		t.Fatal("operational failures should exit 1")
	}
}

func TestAs(t *testing.T) {
	wrapped := errors.New("plain")
	if _, ok := As(wrapped); ok {
		t.Fatal("plain error should not be an AppError")
	}

	ae := New(KindNotFound, "missing")
	if got, ok := As(ae); !ok || got != ae {
		t.Fatal("expected As to return the same AppError")
	}

	doubleWrapped := Wrap(ae, KindServerError, "outer")
	if got, ok := As(doubleWrapped); !ok || got != doubleWrapped {
		t.Fatal("expected As to match the outermost AppError")
	}
}
