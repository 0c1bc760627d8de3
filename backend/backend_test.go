package backend

import (
	"errors"
	"testing"

	rbh "github.com/cea-hpc/librobinhood"
)

func TestStateCheckOpenBeforeClose(t *testing.T) {
	var s State
	if err := s.CheckOpen(); err != nil {
		t.Fatalf("CheckOpen: %v", err)
	}
}

func TestStateCheckOpenAfterClose(t *testing.T) {
	var s State
	s.MarkClosed()
	if err := s.CheckOpen(); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("CheckOpen err = %v, want ErrInvalid", err)
	}
}

func TestMarkClosedIsIdempotent(t *testing.T) {
	var s State
	s.MarkClosed()
	s.MarkClosed()
	if err := s.CheckOpen(); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("CheckOpen err = %v, want ErrInvalid", err)
	}
}
