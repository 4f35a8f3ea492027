package xerrors

import (
	"errors"
	"testing"
)

type stacked interface{ StackPCs() []uintptr }

func TestWithStack_CapturesStack(t *testing.T) {
	err := WithStack(errors.New("base"))

	var hs stacked
	if !errors.As(err, &hs) {
		t.Fatal("no stack captured")
	}
	if len(hs.StackPCs()) == 0 {
		t.Fatal("stack is empty")
	}
	if err.Error() != "base" {
		t.Fatalf("Error() = %q, want base", err.Error())
	}
}

func TestWithStack_NilPassthrough(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) != nil")
	}
	if Wrap(nil, "msg") != nil {
		t.Fatal("Wrap(nil) != nil")
	}
	if Wrapf(nil, "msg %d", 1) != nil {
		t.Fatal("Wrapf(nil) != nil")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) != nil")
	}
}

func TestEnsureTrace_DoesNotDoubleWrap(t *testing.T) {
	base := New("already traced")
	if got := EnsureTrace(base); got != base {
		t.Fatal("EnsureTrace wrapped an error that already had a stack")
	}

	plain := errors.New("plain")
	got := EnsureTrace(plain)
	if got == plain {
		t.Fatal("EnsureTrace did not wrap a plain error")
	}
	var hs stacked
	if !errors.As(got, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("EnsureTrace produced no stack")
	}
}

func TestWrap_MessageAndUnwrap(t *testing.T) {
	base := errors.New("open failed")
	err := Wrap(base, "loading image")

	if err.Error() != "loading image: open failed" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost the base error")
	}

	type hasPC interface{ PC() uintptr }
	var pc hasPC
	if !errors.As(err, &pc) || pc.PC() == 0 {
		t.Fatal("wrap did not capture caller pc")
	}
}

func TestWrapf(t *testing.T) {
	base := errors.New("boom")
	err := Wrapf(base, "put object s3://%s/%s", "bucket", "key")

	if err.Error() != "put object s3://bucket/key: boom" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost the base error")
	}
}

func TestNewf(t *testing.T) {
	err := Newf("invalid id %q", "x/y")
	if err.Error() != `invalid id "x/y"` {
		t.Fatalf("Error() = %q", err.Error())
	}
	var hs stacked
	if !errors.As(err, &hs) {
		t.Fatal("Newf did not capture a stack")
	}
}

func TestErrorsIsThroughStack(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := Wrap(WithStack(sentinel), "context")
	if !errors.Is(err, sentinel) {
		t.Fatal("errors.Is failed through stack + wrap layers")
	}
}
