package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/weft/internal/device"
	"github.com/samcharles93/weft/internal/graph"
)

// fakeModel echoes each prompt and appends two fixed tokens, enough to
// exercise the service and handler without a real graph.
type fakeModel struct {
	in, tokens, scores *device.Buffer
	inShape            graph.Shape
	outShape           graph.Shape
	maxSteps           int
	inferErr           error
}

func (m *fakeModel) InputCount() int  { return 1 }
func (m *fakeModel) OutputCount() int { return 2 }

func (m *fakeModel) MaxInputShape(i int) (graph.Shape, error) {
	if i != 0 {
		return nil, graph.ErrInvalidIndex
	}
	return graph.Shape{2, 16}, nil
}

func (m *fakeModel) MaxOutputShape(i int) (graph.Shape, error) {
	switch i {
	case 0:
		return graph.Shape{2, 16}, nil
	case 1:
		return graph.Shape{2}, nil
	default:
		return nil, graph.ErrInvalidIndex
	}
}

func (m *fakeModel) OutputShape(i int) (graph.Shape, error) {
	if i == 0 {
		return m.outShape, nil
	}
	return graph.Shape{m.outShape[0]}, nil
}

func (m *fakeModel) OutputDType(i int) (graph.DType, error) {
	if i == 1 {
		return graph.F32, nil
	}
	return graph.I32, nil
}

func (m *fakeModel) BindInput(i int, buf *device.Buffer) error {
	m.in = buf
	return nil
}

func (m *fakeModel) BindOutput(i int, buf *device.Buffer) error {
	if i == 0 {
		m.tokens = buf
	} else {
		m.scores = buf
	}
	return nil
}

func (m *fakeModel) SetInputShape(i int, s graph.Shape) error {
	m.inShape = s.Clone()
	return nil
}

func (m *fakeModel) SetMaxSteps(n int) error {
	m.maxSteps = n
	return nil
}

func (m *fakeModel) Infer() error {
	if m.inferErr != nil {
		return m.inferErr
	}
	batch, promptLen := m.inShape[0], m.inShape[1]
	steps := 2
	total := promptLen + steps
	in := m.in.Int32s()
	out := m.tokens.Int32s()
	for b := 0; b < batch; b++ {
		copy(out[b*total:], in[b*promptLen:(b+1)*promptLen])
		out[b*total+promptLen] = 7
		out[b*total+promptLen+1] = 8
		m.scores.Float32s()[b] = -1.5
	}
	m.outShape = graph.Shape{batch, total}
	return nil
}

func (m *fakeModel) Close() error { return nil }

func newTestServer(t *testing.T, cfg ServerConfig) *echo.Echo {
	t.Helper()
	dev := device.New(1 << 20)
	t.Cleanup(dev.Close)
	svc, err := NewGenerationService(dev, &fakeModel{})
	if err != nil {
		t.Fatal(err)
	}
	e := echo.New()
	NewServer(svc, cfg).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateEndpointEchoesBatch(t *testing.T) {
	e := newTestServer(t, ServerConfig{})
	rec := doJSON(t, e, http.MethodPost, "/v1/generate",
		`{"prompts": [[1,2,3],[4,5,6]], "max_steps": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.ID, "gen-") {
		t.Fatalf("id = %q", resp.ID)
	}
	if len(resp.Sequences) != 2 {
		t.Fatalf("sequences = %d", len(resp.Sequences))
	}
	want := []int32{1, 2, 3, 7, 8}
	for i, tok := range want {
		if resp.Sequences[0][i] != tok {
			t.Fatalf("sequence[0] = %v, want %v", resp.Sequences[0], want)
		}
	}
	if resp.Scores[0] != -1.5 {
		t.Fatalf("score = %v", resp.Scores[0])
	}
	if resp.Usage.PromptTokens != 6 || resp.Usage.GeneratedTokens != 4 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestGenerateValidation(t *testing.T) {
	e := newTestServer(t, ServerConfig{})
	cases := []struct {
		name, body string
		status     int
	}{
		{"empty batch", `{"prompts": []}`, http.StatusBadRequest},
		{"empty prompt", `{"prompts": [[]]}`, http.StatusBadRequest},
		{"negative steps", `{"prompts": [[1]], "max_steps": -1}`, http.StatusBadRequest},
		{"unknown field", `{"prompt": [[1]]}`, http.StatusBadRequest},
		{"ragged batch", `{"prompts": [[1,2],[3]]}`, http.StatusUnprocessableEntity},
		{"oversized batch", `{"prompts": [[1],[2],[3]]}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := doJSON(t, e, http.MethodPost, "/v1/generate", tc.body); rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.status, rec.Body)
			}
		})
	}
}

func TestGenerateRateLimit(t *testing.T) {
	e := newTestServer(t, ServerConfig{RequestsPerSecond: 0.001, Burst: 1})
	if rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompts": [[1]]}`); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompts": [[1]]}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestStatusReportsLimits(t *testing.T) {
	e := newTestServer(t, ServerConfig{})
	rec := doJSON(t, e, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["max_batch"] != float64(2) || body["prompt_cap"] != float64(16) {
		t.Fatalf("body = %v", body)
	}
}
