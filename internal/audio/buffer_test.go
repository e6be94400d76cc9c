package audio

import (
	"testing"
)

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	data := []byte{1, 2, 3, 4, 5}
	written := rb.Write(data)
	if written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	written = rb.Write([]byte{6, 7, 8})
	if written != 3 {
		t.Errorf("Expected to write 3 bytes, got %d", written)
	}
	if rb.Available() != 8 {
		t.Errorf("Expected available 8, got %d", rb.Available())
	}
}

func TestRingBuffer_WriteOverflow(t *testing.T) {
	rb := NewRingBuffer(5)

	// Capacity is size-1 to avoid full/empty ambiguity.
	written := rb.Write([]byte{1, 2, 3, 4, 5, 6})
	if written != 4 {
		t.Errorf("Expected to write 4 bytes, got %d", written)
	}
	if !rb.IsFull() {
		t.Error("Expected buffer to be full")
	}
	if rb.Free() != 0 {
		t.Errorf("Expected free 0, got %d", rb.Free())
	}

	written = rb.Write([]byte{7})
	if written != 0 {
		t.Errorf("Expected to write 0 bytes when full, got %d", written)
	}
}

func TestRingBuffer_ReadFrame(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3, 4, 5})

	frame := make([]byte, 3)
	if !rb.ReadFrame(frame) {
		t.Fatal("Expected a full frame to be available")
	}
	if frame[0] != 1 || frame[1] != 2 || frame[2] != 3 {
		t.Errorf("Read incorrect frame: %v", frame)
	}
	if rb.Available() != 2 {
		t.Errorf("Expected available 2, got %d", rb.Available())
	}

	// Only 2 bytes left: a 3-byte frame must not be served, and nothing is
	// consumed by the refused read.
	if rb.ReadFrame(frame) {
		t.Error("Expected no frame with insufficient data")
	}
	if rb.Available() != 2 {
		t.Errorf("Expected available still 2, got %d", rb.Available())
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(8)

	rb.Write([]byte{1, 2, 3, 4, 5, 6})
	frame := make([]byte, 4)
	if !rb.ReadFrame(frame) {
		t.Fatal("Expected first frame")
	}

	// The next write wraps past the end of the backing slice.
	written := rb.Write([]byte{7, 8, 9, 10})
	if written != 4 {
		t.Fatalf("Expected to write 4 bytes, got %d", written)
	}

	wrapped := make([]byte, 6)
	if !rb.ReadFrame(wrapped) {
		t.Fatal("Expected wrapped frame")
	}
	want := []byte{5, 6, 7, 8, 9, 10}
	for i, w := range want {
		if wrapped[i] != w {
			t.Errorf("Byte %d: expected %d, got %d", i, w, wrapped[i])
		}
	}
	if !rb.IsEmpty() {
		t.Error("Expected empty buffer after draining")
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3})
	rb.Clear()

	if !rb.IsEmpty() {
		t.Error("Expected empty buffer after clear")
	}
	if rb.Available() != 0 {
		t.Errorf("Expected available 0 after clear, got %d", rb.Available())
	}
	frame := make([]byte, 1)
	if rb.ReadFrame(frame) {
		t.Error("Expected no frame after clear")
	}
}
