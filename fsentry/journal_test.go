package fsentry

import (
	"errors"
	"testing"

	rbh "github.com/cea-hpc/librobinhood"
)

func TestJournalPushPopRoundTrip(t *testing.T) {
	j := NewJournal(4096)

	ev := NewDelete([]byte{1, 2, 3})
	if err := j.Push(ev); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, err := j.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got.Type != Delete || string(got.ID) != string(ev.ID) {
		t.Fatalf("Pop = %+v, want %+v", got, ev)
	}
}

func TestJournalPopOnEmptyReturnsErrAgain(t *testing.T) {
	j := NewJournal(64)
	if _, err := j.Pop(); !errors.Is(err, rbh.ErrAgain) {
		t.Fatalf("Pop err = %v, want ErrAgain", err)
	}
}

func TestJournalPreservesFIFOOrder(t *testing.T) {
	j := NewJournal(4096)

	events := []*Event{
		NewDelete([]byte{1}),
		NewUnlink([]byte{2}, []byte{9}, "a"),
		NewLink([]byte{3}, []byte{9}, "b"),
	}
	for _, ev := range events {
		if err := j.Push(ev); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for _, want := range events {
		got, err := j.Pop()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got.Type != want.Type || string(got.ID) != string(want.ID) {
			t.Fatalf("Pop = %+v, want %+v", got, want)
		}
	}
}

func TestJournalPushFailsWhenRecordExceedsCapacity(t *testing.T) {
	j := NewJournal(8) // too small for even a minimal gob-encoded event
	ev := NewDelete([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	if err := j.Push(ev); !errors.Is(err, rbh.ErrNoBufs) {
		t.Fatalf("Push err = %v, want ErrNoBufs", err)
	}
}
