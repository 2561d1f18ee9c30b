package weights

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Writer accumulates tensors and serializes a .wft container.
type Writer struct {
	cfg     Config
	infos   []TensorInfo
	payload [][]byte
	seen    map[string]bool
}

// NewWriter starts a container with the given hyperparameters.
func NewWriter(cfg Config) *Writer {
	return &Writer{cfg: cfg, seen: make(map[string]bool)}
}

// AddF32 appends a float32 tensor.
func (w *Writer) AddF32(name string, dims []int, data []float32) error {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("weights: tensor %q dims %v need %d elements, have %d", name, dims, n, len(data))
	}
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		le.PutUint32(raw[i*4:], f32bits(v))
	}
	return w.add(TensorInfo{Name: name, DType: DTypeF32, Dims: append([]int(nil), dims...), Scale: 1}, raw)
}

// AddI8 appends a quantized int8 tensor with its dequantization scale.
func (w *Writer) AddI8(name string, dims []int, data []int8, scale float32) error {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("weights: tensor %q dims %v need %d elements, have %d", name, dims, n, len(data))
	}
	raw := make([]byte, len(data))
	for i, v := range data {
		raw[i] = byte(v)
	}
	return w.add(TensorInfo{Name: name, DType: DTypeI8, Dims: append([]int(nil), dims...), Scale: scale}, raw)
}

func (w *Writer) add(info TensorInfo, raw []byte) error {
	if info.Name == "" {
		return fmt.Errorf("weights: empty tensor name")
	}
	if w.seen[info.Name] {
		return fmt.Errorf("weights: duplicate tensor %q", info.Name)
	}
	w.seen[info.Name] = true
	info.Size = uint64(len(raw))
	w.infos = append(w.infos, info)
	w.payload = append(w.payload, raw)
	return nil
}

// Bytes serializes the container.
func (w *Writer) Bytes() ([]byte, error) {
	meta, err := json.Marshal(w.cfg)
	if err != nil {
		return nil, fmt.Errorf("weights: encoding metadata: %w", err)
	}

	tableSize := 0
	for _, ti := range w.infos {
		tableSize += 2 + len(ti.Name) + 1 + 1 + 4*len(ti.Dims) + 4 + 8 + 8
	}

	payloadStart := alignPayload(headerSize + len(meta) + tableSize)
	off := payloadStart
	for i := range w.infos {
		w.infos[i].Offset = uint64(off)
		off = alignPayload(off + int(w.infos[i].Size))
	}

	out := make([]byte, off)
	le.PutUint32(out[0:], Magic)
	le.PutUint32(out[4:], Version)
	le.PutUint32(out[8:], uint32(len(meta)))
	le.PutUint32(out[12:], uint32(len(w.infos)))
	pos := headerSize
	pos += copy(out[pos:], meta)

	for _, ti := range w.infos {
		le.PutUint16(out[pos:], uint16(len(ti.Name)))
		pos += 2
		pos += copy(out[pos:], ti.Name)
		out[pos] = byte(ti.DType)
		pos++
		out[pos] = byte(len(ti.Dims))
		pos++
		for _, d := range ti.Dims {
			le.PutUint32(out[pos:], uint32(d))
			pos += 4
		}
		le.PutUint32(out[pos:], f32bits(ti.Scale))
		pos += 4
		le.PutUint64(out[pos:], ti.Offset)
		pos += 8
		le.PutUint64(out[pos:], ti.Size)
		pos += 8
	}

	for i, raw := range w.payload {
		copy(out[w.infos[i].Offset:], raw)
	}
	return out, nil
}

// WriteFile serializes the container to path.
func (w *Writer) WriteFile(path string) error {
	data, err := w.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
