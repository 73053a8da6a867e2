package qerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"conflict", New(Conflict, "task already claimed"), Conflict},
		{"wrapped", fmt.Errorf("claiming: %w", New(State, "bad status")), State},
		{"plain", errors.New("disk full"), Internal},
		{"formatted", Newf(NotFound, "task %s not found", "abc"), NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithDetails(t *testing.T) {
	err := New(Conflict, "task already claimed").
		WithDetails(map[string]any{"claimed_by": "vera"}).
		WithDetails(map[string]any{"task_id": "t-1"})

	d := DetailsOf(fmt.Errorf("outer: %w", err))
	if d["claimed_by"] != "vera" || d["task_id"] != "t-1" {
		t.Errorf("Details = %v", d)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("no such table")
	err := Wrap(Initialization, cause, "schema missing")

	if !errors.Is(err, cause) {
		t.Error("Wrap should keep the cause reachable")
	}
	if err.Error() != "schema missing: no such table" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestIsHelpers(t *testing.T) {
	if !IsConflict(New(Conflict, "x")) || IsConflict(New(State, "x")) {
		t.Error("IsConflict mismatch")
	}
	if IsNotFound(nil) {
		t.Error("nil is not a not-found error")
	}
}
