// Package device provides the accelerator abstraction the graph engine runs
// against: a byte-addressed allocator and an ordered, asynchronous command
// stream. The engine only ever talks to these two narrow surfaces, so a real
// accelerator backend can replace the in-process implementation without
// touching the graph or the decode loop.
package device

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the device's
	// configured capacity.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Buffer is a device allocation, or a view into one. Views share the parent's
// backing storage; freeing is only meaningful on the root allocation.
type Buffer struct {
	raw []byte
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int { return len(b.raw) }

// Bytes exposes the raw storage.
func (b *Buffer) Bytes() []byte { return b.raw }

// Float32s views the buffer as float32 elements. The buffer length must be a
// multiple of 4.
func (b *Buffer) Float32s() []float32 {
	if len(b.raw) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.raw[0])), len(b.raw)/4)
}

// Int32s views the buffer as int32 elements.
func (b *Buffer) Int32s() []int32 {
	if len(b.raw) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.raw[0])), len(b.raw)/4)
}

// View returns a sub-buffer covering raw[offset : offset+size].
func (b *Buffer) View(offset, size int) (*Buffer, error) {
	if offset < 0 || size < 0 || offset+size > len(b.raw) {
		return nil, fmt.Errorf("device: view [%d:%d) out of range for buffer of %d bytes", offset, offset+size, len(b.raw))
	}
	return &Buffer{raw: b.raw[offset : offset+size : offset+size]}, nil
}

// Device is an in-process accelerator. Capacity bounds total live allocations
// so planner and loader failure paths behave like a real device running out
// of memory; zero capacity means unbounded.
type Device struct {
	mu        sync.Mutex
	capacity  int
	allocated int
	closed    bool
}

// New returns a device with the given capacity in bytes (0 = unbounded).
func New(capacity int) *Device {
	return &Device{capacity: capacity}
}

// Alloc reserves size bytes of zeroed device memory.
func (d *Device) Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("device: negative allocation size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.capacity > 0 && d.allocated+size > d.capacity {
		return nil, fmt.Errorf("%w: requested %d, %d of %d in use", ErrOutOfMemory, size, d.allocated, d.capacity)
	}
	d.allocated += size
	return &Buffer{raw: make([]byte, size)}, nil
}

// Free releases an allocation's accounting. The backing storage is reclaimed
// by the Go runtime once unreferenced.
func (d *Device) Free(b *Buffer) {
	if b == nil {
		return
	}
	d.mu.Lock()
	d.allocated -= len(b.raw)
	if d.allocated < 0 {
		d.allocated = 0
	}
	d.mu.Unlock()
	b.raw = nil
}

// Allocated reports the bytes currently accounted as live.
func (d *Device) Allocated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Close marks the device unusable for further allocations.
func (d *Device) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
