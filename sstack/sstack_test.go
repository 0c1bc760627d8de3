package sstack

import (
	"bytes"
	"testing"
)

func TestPushReturnsStableStorage(t *testing.T) {
	s := New(8)
	defer s.Destroy()

	a := s.Push([]byte("hi"))
	b := s.Push([]byte("there"))

	if !bytes.Equal(a, []byte("hi")) {
		t.Fatalf("a = %q, want %q", a, "hi")
	}
	if !bytes.Equal(b, []byte("there")) {
		t.Fatalf("b = %q, want %q", b, "there")
	}
	// a must still read "hi" after further pushes.
	if !bytes.Equal(a, []byte("hi")) {
		t.Fatalf("a mutated by later push: got %q", a)
	}
}

func TestPushAllocatesFreshChunkWhenCurrentIsFull(t *testing.T) {
	s := New(4)
	defer s.Destroy()

	first := s.Push([]byte("ab"))
	second := s.Push([]byte("cd"))
	third := s.Push([]byte("ef")) // should spill into a new chunk

	if len(s.chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(s.chunks))
	}
	if !bytes.Equal(first, []byte("ab")) || !bytes.Equal(second, []byte("cd")) || !bytes.Equal(third, []byte("ef")) {
		t.Fatalf("unexpected contents: %q %q %q", first, second, third)
	}
}

func TestPushLargerThanMinChunkGetsItsOwnChunk(t *testing.T) {
	s := New(4)
	defer s.Destroy()

	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	got := s.Push(big)
	if !bytes.Equal(got, big) {
		t.Fatalf("got %v, want %v", got, big)
	}
}

func TestPushAfterDestroyPanics(t *testing.T) {
	s := New(8)
	s.Destroy()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic after Destroy")
		}
	}()
	s.Push([]byte("x"))
}
