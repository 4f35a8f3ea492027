package uploadhttp

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/imgdrop/internal/admission"
	"github.com/keithlinneman/imgdrop/internal/httpmw"
	"github.com/keithlinneman/imgdrop/internal/store"
)

// UploadResponse is the 201 body for a stored upload.
type UploadResponse struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	Format     string    `json:"format"`
	SHA256     string    `json:"sha256"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// MetaResponse wraps stored metadata with the public link.
type MetaResponse struct {
	store.Meta
	URL string `json:"url"`
}

// ListResponse is the body for the image listing endpoint.
type ListResponse struct {
	Images []MetaResponse `json:"images"`
	Count  int            `json:"count"`
}

// RejectResponse is the 429 body for a denied upload.
type RejectResponse struct {
	Error             string     `json:"error"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	Violations        int        `json:"violations,omitempty"`
	RetryAfterSeconds int64      `json:"retry_after_seconds,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.opts.Logger.Error(r.Context(), err, "encoding response body")
	}
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	api.writeJSON(w, r, status, errorResponse{Error: msg})
}

// writeReject translates a denial into 429 with a Retry-After hint. The
// header carries whole seconds, rounded up so a client retrying exactly
// on time lands after the block expires.
func (api *API) writeReject(w http.ResponseWriter, r *http.Request, d admission.Decision) {
	resp := RejectResponse{
		Error:      d.Message,
		Violations: d.Violations,
	}
	if !d.BlockedUntil.IsZero() {
		until := d.BlockedUntil
		resp.BlockedUntil = &until
	}
	if d.RetryAfter > 0 {
		secs := int64(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	api.writeJSON(w, r, http.StatusTooManyRequests, resp)
}

// clientKey resolves the admission ledger key from the resolved client
// address placed in context by the ClientIP middleware.
func clientKey(ctx context.Context) string {
	if ip := httpmw.ClientIPFromContext(ctx); ip != "" {
		return ip
	}
	return unknownClient
}

func strconvItoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
