package proxy

import "testing"

func TestRelayBufferFillAndDrain(t *testing.T) {
	b := newRelayBuffer()
	if !b.Empty() {
		t.Fatal("a fresh buffer must be empty")
	}

	n := copy(b.FillSlice(), "hello")
	b.CommitFill(n)
	if b.Empty() {
		t.Fatal("buffer must not be empty after a fill")
	}

	if got := string(b.DrainSlice()); got != "hello" {
		t.Fatalf("DrainSlice() = %q; want %q", got, "hello")
	}
}

func TestRelayBufferPartialWriteAccounting(t *testing.T) {
	b := newRelayBuffer()
	n := copy(b.FillSlice(), "hello world")
	b.CommitFill(n)

	// Simulate a short write(2) of 5 bytes.
	b.CommitDrain(5)
	if b.Empty() {
		t.Fatal("buffer must still hold pending bytes after a partial drain")
	}
	if got := string(b.DrainSlice()); got != " world" {
		t.Fatalf("DrainSlice() after partial drain = %q; want %q", got, " world")
	}

	// Drain the remainder; buffer must reset to fill mode.
	b.CommitDrain(len(" world"))
	if !b.Empty() {
		t.Fatal("buffer must be empty once fully drained")
	}
	if b.readPos != 0 || b.writePos != 0 {
		t.Fatalf("positions must reset to zero once fully drained: readPos=%d writePos=%d", b.readPos, b.writePos)
	}
}

func TestRelayBufferFull(t *testing.T) {
	b := newRelayBuffer()
	b.CommitFill(len(b.data))
	if !b.Full() {
		t.Fatal("buffer filled to capacity must report Full")
	}
}
