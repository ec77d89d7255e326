package recovery

import (
	"errors"
	"strings"
	"testing"

	joerrors "github.com/januskey/januskey/pkg/errors"
)

func TestSafePassesThroughSuccess(t *testing.T) {
	called := false
	err := Safe("engine", "apply_delete", func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !called {
		t.Error("expected fn to be called")
	}
}

func TestSafePassesThroughError(t *testing.T) {
	wantErr := errors.New("disk full")
	err := Safe("store", "store", func() error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected the original error to pass through unchanged, got %v", err)
	}
}

func TestSafeRecoversPanic(t *testing.T) {
	err := Safe("fsmodel", "set", func() error {
		panic("nil map write")
	})
	if err == nil {
		t.Fatal("expected a recovered error")
	}

	var coreErr *joerrors.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("expected *errors.Error, got %T", err)
	}
	if coreErr.Code != joerrors.CodeIoFailure {
		t.Errorf("Code = %v, want IoFailure", coreErr.Code)
	}
	if coreErr.Operation != "set" || coreErr.Component != "fsmodel" {
		t.Errorf("Component/Operation not tagged: %+v", coreErr)
	}
	if !strings.Contains(coreErr.Message, "nil map write") {
		t.Errorf("Message should mention the panic value: %q", coreErr.Message)
	}
}

func TestSafeResultRecoversPanic(t *testing.T) {
	result, err := SafeResult("store", "retrieve", func() ([]byte, error) {
		panic("index out of range")
	})
	if err == nil {
		t.Fatal("expected a recovered error")
	}
	if result != nil {
		t.Errorf("expected zero-value result on panic, got %v", result)
	}
}

func TestSafeResultPassesThroughSuccess(t *testing.T) {
	result, err := SafeResult("store", "retrieve", func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
}
