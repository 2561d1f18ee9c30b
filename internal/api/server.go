// Package api serves generation over HTTP: one POST endpoint that accepts
// token-id prompts and returns completed sequences with their scores.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/version"
)

// GenerateRequest carries a batch of equal-length prompts as token ids.
type GenerateRequest struct {
	Prompts  [][]int32 `json:"prompts"`
	MaxSteps int       `json:"max_steps,omitempty"`
}

// GenerateResponse is the completed batch.
type GenerateResponse struct {
	ID        string    `json:"id"`
	Sequences [][]int32 `json:"sequences"`
	Scores    []float32 `json:"scores"`
	Usage     Usage     `json:"usage"`
}

type Usage struct {
	PromptTokens    int `json:"prompt_tokens"`
	GeneratedTokens int `json:"generated_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// RequestsPerSecond throttles /v1/generate; zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	Log logger.Logger
}

// Server exposes one generation service over echo routes.
type Server struct {
	svc     *GenerationService
	log     logger.Logger
	limiter *rate.Limiter
}

func NewServer(svc *GenerationService, cfg ServerConfig) *Server {
	s := &Server{svc: svc, log: cfg.Log}
	if s.log == nil {
		s.log = logger.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/status", s.handleStatus)
}

func (s *Server) handleStatus(c *echo.Context) error {
	maxBatch, promptCap := s.svc.Limits()
	return c.JSON(http.StatusOK, map[string]any{
		"version":    version.String(),
		"max_batch":  maxBatch,
		"prompt_cap": promptCap,
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "request rate exceeded")
	}

	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	if len(req.Prompts) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "prompts is required and must not be empty")
	}
	for i, p := range req.Prompts {
		if len(p) == 0 {
			return writeError(c, http.StatusBadRequest, "invalid_request_error",
				fmt.Sprintf("prompt %d is empty", i))
		}
	}
	if req.MaxSteps < 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "max_steps must not be negative")
	}

	id := "gen-" + uuid.NewString()
	res, err := s.svc.Generate(c.Request().Context(), req.Prompts, req.MaxSteps)
	if err != nil {
		s.log.Warn("generation failed", "id", id, "err", err)
		return writeError(c, http.StatusUnprocessableEntity, "generation_error", err.Error())
	}

	s.log.Info("generation served",
		"id", id, "batch", len(req.Prompts), "prompt_len", res.PromptLen, "steps", res.Steps)
	return c.JSON(http.StatusOK, GenerateResponse{
		ID:        id,
		Sequences: res.Sequences,
		Scores:    res.Scores,
		Usage: Usage{
			PromptTokens:    len(req.Prompts) * res.PromptLen,
			GeneratedTokens: len(req.Prompts) * res.Steps,
		},
	})
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": apiError{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decoding request body: %w", err)
	}
	return v, nil
}
