package device

import (
	"unsafe"

	"go.uber.org/zap"
)

// Ptr is an opaque handle to a device allocation. The zero value is the nil
// pointer.
type Ptr struct {
	id   uint64
	size int
	buf  []byte
}

// IsNil reports whether p refers to no allocation.
func (p Ptr) IsNil() bool {
	return p.id == 0
}

// Size returns the allocation size in bytes.
func (p Ptr) Size() int {
	return p.size
}

// Bytes returns a byte view of the device memory.
func (p Ptr) Bytes() []byte {
	return p.buf[:p.size:p.size]
}

// Uint32 returns a uint32 view of the device memory.
func (p Ptr) Uint32() []uint32 {
	return Slice[uint32](p)
}

// Float32 returns a float32 view of the device memory.
func (p Ptr) Float32() []float32 {
	return Slice[float32](p)
}

// Slice returns a typed view of the device memory. Trailing bytes that do not
// fill a whole element are not visible.
func Slice[T any](p Ptr) []T {
	var zero T
	elem := int(unsafe.Sizeof(zero))
	if p.IsNil() || elem == 0 || p.size < elem {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&p.buf[0])), p.size/elem)
}

func bytesOf[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

type allocation struct {
	ptr   Ptr
	words []uint64 // keeps the 8-byte aligned backing array alive
}

// Malloc allocates size bytes of zeroed device memory.
func (d *Device) Malloc(size int) (Ptr, error) {
	if size <= 0 {
		return Ptr{}, newError("Malloc", StatusInvalidValue, "size must be positive, got %d", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Ptr{}, newError("Malloc", StatusDeinitialized, "device %d is closed", d.ID)
	}
	if d.memLimit > 0 && d.allocated+int64(size) > d.memLimit {
		return Ptr{}, newError("Malloc", StatusOutOfMemory,
			"requested %d bytes with %d of %d in use", size, d.allocated, d.memLimit)
	}

	// Back with uint64 words so typed views are always aligned
	words := make([]uint64, (size+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)

	d.nextID++
	ptr := Ptr{id: d.nextID, size: size, buf: buf}
	d.allocs[ptr.id] = &allocation{ptr: ptr, words: words}

	d.allocated += int64(size)
	if d.allocated > d.peak {
		d.peak = d.allocated
	}

	d.logger.Debug("malloc", zap.Uint64("ptr", ptr.id), zap.Int("bytes", size))
	return ptr, nil
}

// Free releases an allocation. Freeing the same pointer twice is an error.
func (d *Device) Free(p Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	alloc, ok := d.allocs[p.id]
	if !ok {
		return newError("Free", StatusInvalidDevicePointer, "pointer %d is not allocated", p.id)
	}
	delete(d.allocs, p.id)
	d.allocated -= int64(alloc.ptr.size)

	d.logger.Debug("free", zap.Uint64("ptr", p.id), zap.Int("bytes", alloc.ptr.size))
	return nil
}

// MemStats returns the bytes currently allocated and the peak.
func (d *Device) MemStats() (allocated, peak int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated, d.peak
}

func (d *Device) lookup(op string, p Ptr, size int) (Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	alloc, ok := d.allocs[p.id]
	if !ok {
		return Ptr{}, newError(op, StatusInvalidDevicePointer, "pointer %d is not allocated", p.id)
	}
	if size > alloc.ptr.size {
		return Ptr{}, newError(op, StatusInvalidValue,
			"copy of %d bytes exceeds allocation of %d bytes", size, alloc.ptr.size)
	}
	return alloc.ptr, nil
}

// CopyToDevice copies src into device memory at dst. Like a blocking memcpy
// on the null stream, it waits for all queued device work first.
func (d *Device) CopyToDevice(dst Ptr, src []byte) error {
	if err := d.Synchronize(); err != nil {
		return err
	}
	ptr, err := d.lookup("CopyToDevice", dst, len(src))
	if err != nil {
		return err
	}
	copy(ptr.buf, src)
	return nil
}

// CopyFromDevice copies len(dst) bytes of device memory at src into dst,
// after waiting for all queued device work.
func (d *Device) CopyFromDevice(dst []byte, src Ptr) error {
	if err := d.Synchronize(); err != nil {
		return err
	}
	ptr, err := d.lookup("CopyFromDevice", src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, ptr.buf[:len(dst)])
	return nil
}

// Upload copies a typed host slice into device memory.
func Upload[T any](d *Device, dst Ptr, src []T) error {
	return d.CopyToDevice(dst, bytesOf(src))
}

// Download copies device memory into a typed host slice.
func Download[T any](d *Device, dst []T, src Ptr) error {
	return d.CopyFromDevice(bytesOf(dst), src)
}
