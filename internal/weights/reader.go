package weights

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// File is an opened .wft container. Tensor payload slices point into the
// mapped (or read) file data; they stay valid until Close.
type File struct {
	Config  Config
	Tensors []TensorInfo

	data    []byte
	byName  map[string]int
	mmapped bool
}

// Open maps a container read-only and validates its structure, falling back
// to plain reads where mmap is unavailable. The file must be closed to
// release the mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorrupt
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		wf, parseErr := parse(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return wf, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("weights: reading %s: %w", path, err)
	}
	return parse(data, false)
}

// OpenBytes parses an in-memory container (tests, pack round-trips).
func OpenBytes(data []byte) (*File, error) {
	return parse(data, false)
}

func parse(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize {
		return nil, ErrCorrupt
	}
	if le.Uint32(data[0:]) != Magic {
		return nil, ErrBadMagic
	}
	if v := le.Uint32(data[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	metaLen := int(le.Uint32(data[8:]))
	count := int(le.Uint32(data[12:]))
	if metaLen < 0 || headerSize+metaLen > len(data) {
		return nil, fmt.Errorf("%w: metadata block out of bounds", ErrCorrupt)
	}

	wf := &File{data: data, byName: make(map[string]int, count), mmapped: mmapped}
	if err := json.Unmarshal(data[headerSize:headerSize+metaLen], &wf.Config); err != nil {
		return nil, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}

	pos := headerSize + metaLen
	for i := 0; i < count; i++ {
		ti, next, err := parseTensorInfo(data, pos, i)
		if err != nil {
			return nil, err
		}
		pos = next
		if _, dup := wf.byName[ti.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrCorrupt, ti.Name)
		}
		wf.byName[ti.Name] = len(wf.Tensors)
		wf.Tensors = append(wf.Tensors, ti)
	}
	return wf, nil
}

func parseTensorInfo(data []byte, pos, idx int) (TensorInfo, int, error) {
	var ti TensorInfo
	fail := func(what string) (TensorInfo, int, error) {
		return TensorInfo{}, 0, fmt.Errorf("%w: tensor[%d] %s", ErrCorrupt, idx, what)
	}
	if pos+2 > len(data) {
		return fail("truncated name length")
	}
	nameLen := int(le.Uint16(data[pos:]))
	pos += 2
	if nameLen == 0 || pos+nameLen > len(data) {
		return fail("bad name")
	}
	ti.Name = string(data[pos : pos+nameLen])
	pos += nameLen
	if pos+2 > len(data) {
		return fail("truncated dtype")
	}
	ti.DType = TensorDType(data[pos])
	pos++
	ndims := int(data[pos])
	pos++
	if ti.DType.ElemSize() == 0 {
		return fail(fmt.Sprintf("unknown dtype %d", ti.DType))
	}
	if pos+4*ndims+20 > len(data) {
		return fail("truncated dims")
	}
	numel := 1
	for d := 0; d < ndims; d++ {
		dim := int(le.Uint32(data[pos:]))
		pos += 4
		if dim <= 0 {
			return fail(fmt.Sprintf("non-positive dim %d", dim))
		}
		ti.Dims = append(ti.Dims, dim)
		numel *= dim
	}
	ti.Scale = f32frombits(le.Uint32(data[pos:]))
	pos += 4
	ti.Offset = le.Uint64(data[pos:])
	pos += 8
	ti.Size = le.Uint64(data[pos:])
	pos += 8
	if ti.Size != uint64(numel*ti.DType.ElemSize()) {
		return fail(fmt.Sprintf("size %d does not match dims %v (%s)", ti.Size, ti.Dims, ti.DType))
	}
	if ti.Offset > uint64(len(data)) || ti.Offset+ti.Size > uint64(len(data)) {
		return fail("payload out of bounds")
	}
	return ti, pos, nil
}

// Info returns the descriptor for a named tensor.
func (f *File) Info(name string) (TensorInfo, error) {
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: %q", ErrUnknownTensor, name)
	}
	return f.Tensors[i], nil
}

// Raw returns the raw payload bytes of a named tensor.
func (f *File) Raw(name string) ([]byte, error) {
	ti, err := f.Info(name)
	if err != nil {
		return nil, err
	}
	return f.data[ti.Offset : ti.Offset+ti.Size], nil
}

// Float32s decodes a named tensor to float32, dequantizing int8 payloads
// with the stored per-tensor scale.
func (f *File) Float32s(name string) ([]float32, error) {
	ti, err := f.Info(name)
	if err != nil {
		return nil, err
	}
	raw := f.data[ti.Offset : ti.Offset+ti.Size]
	switch ti.DType {
	case DTypeF32:
		out := make([]float32, ti.Numel())
		for i := range out {
			out[i] = f32frombits(le.Uint32(raw[i*4:]))
		}
		return out, nil
	case DTypeI8:
		out := make([]float32, ti.Numel())
		for i := range out {
			out[i] = float32(int8(raw[i])) * ti.Scale
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: tensor %q has undecodable dtype", ErrCorrupt, name)
	}
}

// Close releases the mapping, if any. Tensor slices become invalid.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		data := f.data
		f.data = nil
		return unix.Munmap(data)
	}
	f.data = nil
	return nil
}
