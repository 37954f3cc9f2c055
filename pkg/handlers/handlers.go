package handlers

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/x402-rs/x402-facilitator/pkg/facilitator"
	"github.com/x402-rs/x402-facilitator/pkg/types"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/payment_request.json
var paymentRequestSchemaJSON []byte

var paymentRequestSchema = mustSchema(paymentRequestSchemaJSON)

func mustSchema(raw []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return s
}

const banner = "x402 facilitator\n\nPOST /verify   verify a payment\nPOST /settle   settle a payment\nGET  /supported  supported payment kinds\n"

// Handler manages HTTP handlers for the facilitator
type Handler struct {
	facilitator facilitator.Facilitator
	logger      *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(fac facilitator.Facilitator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{facilitator: fac, logger: logger}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.RootHandler)
	r.Get("/verify", endpointInfo("/verify", "POST to verify x402 payments"))
	r.Post("/verify", h.VerifyHandler)
	r.Get("/settle", endpointInfo("/settle", "POST to settle x402 payments"))
	r.Post("/settle", h.SettleHandler)
	r.Get("/supported", h.SupportedHandler)
	r.Get("/health", h.SupportedHandler)
}

// RootHandler handles GET /
func (h *Handler) RootHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, banner)
}

func endpointInfo(endpoint, description string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"endpoint": endpoint, "description": description})
	}
}

// VerifyHandler handles POST /verify requests
func (h *Handler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(r)
	if err != nil {
		respondVerifyError(w, err)
		return
	}

	resp, err := h.facilitator.Verify(r.Context(), req)
	if err != nil {
		respondVerifyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// SettleHandler handles POST /settle requests
func (h *Handler) SettleHandler(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(r)
	if err != nil {
		respondSettleError(w, err)
		return
	}

	resp, err := h.facilitator.Settle(r.Context(), req)
	if err != nil {
		respondSettleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// SupportedHandler handles GET /supported and GET /health requests
func (h *Handler) SupportedHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.facilitator.Supported(r.Context())
	if err != nil {
		h.logger.Error("failed to list supported kinds", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list supported payment kinds"})
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// decode reads the body, checks it against the request schema and decodes
// it. Every failure is an invalid_payload error.
func (h *Handler) decode(r *http.Request) (*types.VerifyRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, types.NewError(types.ReasonInvalidPayload, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, types.WrapError(types.ReasonInvalidPayload, err, "failed to read request body")
	}

	result, err := paymentRequestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, types.NewError(types.ReasonInvalidPayload, "request is not valid JSON: %v", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, types.NewError(types.ReasonInvalidPayload, "%s", strings.Join(problems, "; "))
	}

	var req types.VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, types.NewError(types.ReasonInvalidPayload, "invalid request: %v", err)
	}
	return &req, nil
}

// verifyError is the body of a failed /verify call.
type verifyError struct {
	IsValid              bool              `json:"isValid"`
	InvalidReason        types.ErrorReason `json:"invalidReason"`
	InvalidReasonDetails string            `json:"invalidReasonDetails"`
	Payer                string            `json:"payer"`
}

// settleError is the body of a failed /settle call.
type settleError struct {
	Success            bool              `json:"success"`
	Network            types.Network     `json:"network"`
	Transaction        string            `json:"transaction"`
	ErrorReason        types.ErrorReason `json:"errorReason"`
	ErrorReasonDetails string            `json:"errorReasonDetails"`
	Payer              string            `json:"payer"`
}

func respondVerifyError(w http.ResponseWriter, err error) {
	fe := types.AsFacilitatorError(err)
	respondJSON(w, statusFor(fe), verifyError{
		InvalidReason:        fe.Reason,
		InvalidReasonDetails: fe.Details,
		Payer:                fe.Payer,
	})
}

func respondSettleError(w http.ResponseWriter, err error) {
	fe := types.AsFacilitatorError(err)
	respondJSON(w, statusFor(fe), settleError{
		Network:            fe.Network,
		Transaction:        fe.Transaction,
		ErrorReason:        fe.Reason,
		ErrorReasonDetails: fe.Details,
		Payer:              fe.Payer,
	})
}

func statusFor(fe *types.FacilitatorError) int {
	if fe.IsClientError() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
