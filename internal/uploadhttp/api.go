// Package uploadhttp is the HTTP presentation layer over the admission
// core, the converter, and the store: multipart upload intake, image
// serving, and the read-only limits view.
package uploadhttp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/imgdrop/internal/admission"
	"github.com/keithlinneman/imgdrop/internal/convert"
	"github.com/keithlinneman/imgdrop/internal/log"
	"github.com/keithlinneman/imgdrop/internal/store"
	"github.com/keithlinneman/imgdrop/internal/xerrors"
)

// fallback ledger key when client ip resolution produced nothing; the
// ledger key must never be empty
const unknownClient = "unknown"

// memory cap for the multipart form parser; the request body itself is
// already bounded by the MaxBody middleware
const multipartMemory = 8 << 20

type Options struct {
	Limiter *admission.Limiter
	Store   store.Store
	Logger  log.Logger

	// BaseURL is the public base for image links; empty derives it from
	// the request.
	BaseURL string

	// NormalizeFormat re-encodes every upload ("png"/"jpeg"), empty keeps
	// the original encoding.
	NormalizeFormat string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	// metrics hooks
	OnUpload        func(sizeBytes int64)
	OnUploadFailure func(stage string)
}

// API implements the upload, image, and limits endpoints.
type API struct {
	opts Options
}

func NewAPI(opts Options) (*API, error) {
	if opts.Limiter == nil {
		return nil, xerrors.New("uploadhttp: Limiter is nil")
	}
	if opts.Store == nil {
		return nil, xerrors.New("uploadhttp: Store is nil")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{opts: opts}, nil
}

// RegisterRoutes attaches all endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/api/upload", api.HandleUpload)
	r.Get("/api/images", api.HandleImageList)
	r.Get("/api/images/{id}", api.HandleImageMeta)
	r.Get("/api/limits", api.HandleLimits)
	r.Get("/i/{id}", api.HandleImage)
	r.Head("/i/{id}", api.HandleImage)
}

// HandleUpload accepts a multipart upload in field "file", runs admission,
// normalizes the encoding, stores the image, and only then records the
// upload against the client's quota. Any failure after admission leaves
// quota untouched, as if the request never happened.
func (api *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := clientKey(ctx)

	d := api.opts.Limiter.Evaluate(key)
	if !d.Allowed {
		api.writeReject(w, r, d)
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		api.uploadFailed("parse")
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeError(w, r, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "request is not valid multipart form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		api.uploadFailed("parse")
		api.writeError(w, r, http.StatusBadRequest, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		api.uploadFailed("parse")
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeError(w, r, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		api.opts.Logger.Error(ctx, xerrors.EnsureTrace(err), "reading upload body")
		api.writeError(w, r, http.StatusBadRequest, "could not read upload")
		return
	}

	res, err := convert.Normalize(data, api.opts.NormalizeFormat)
	if err != nil {
		api.uploadFailed("convert")
		if errors.Is(err, convert.ErrUnsupportedFormat) {
			api.writeError(w, r, http.StatusUnsupportedMediaType, "file is not a supported image")
			return
		}
		api.opts.Logger.Error(ctx, err, "image conversion failed")
		api.writeError(w, r, http.StatusInternalServerError, "conversion failed")
		return
	}

	now := api.opts.Now().UTC()
	sum := sha256.Sum256(res.Data)
	meta := store.Meta{
		ID:           newImageID(),
		OriginalName: sanitizeFilename(header.Filename),
		ContentType:  res.ContentType,
		Format:       res.Format,
		Size:         int64(len(res.Data)),
		SHA256:       hex.EncodeToString(sum[:]),
		UploadedAt:   now,
	}

	if err := api.opts.Store.Save(ctx, meta, res.Data); err != nil {
		api.uploadFailed("store")
		api.opts.Logger.Error(ctx, err, "storing upload", "id", meta.ID)
		api.writeError(w, r, http.StatusInternalServerError, "could not store upload")
		return
	}

	// the upload is durable: only now does it count against quota
	api.opts.Limiter.Record(key, meta.Size)
	if api.opts.OnUpload != nil {
		api.opts.OnUpload(meta.Size)
	}

	api.opts.Logger.Info(ctx, "upload stored",
		"id", meta.ID,
		"format", meta.Format,
		"size", meta.Size,
	)

	api.writeJSON(w, r, http.StatusCreated, UploadResponse{
		ID:         meta.ID,
		URL:        api.imageURL(r, meta.ID),
		Size:       meta.Size,
		Format:     meta.Format,
		SHA256:     meta.SHA256,
		Width:      res.Width,
		Height:     res.Height,
		UploadedAt: meta.UploadedAt,
	})
}

// HandleImage serves the stored bytes for GET/HEAD /i/{id}.
func (api *API) HandleImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rc, meta, err := api.opts.Store.Open(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "no such image")
			return
		}
		api.opts.Logger.Error(r.Context(), err, "opening image", "id", id)
		api.writeError(w, r, http.StatusInternalServerError, "could not read image")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconvItoa64(meta.Size))
	// stored images never change under an id
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+meta.SHA256[:16]+`"`)

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// HandleImageMeta serves stored metadata for GET /api/images/{id}.
func (api *API) HandleImageMeta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	meta, err := api.opts.Store.Stat(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "no such image")
			return
		}
		api.opts.Logger.Error(r.Context(), err, "reading image metadata", "id", id)
		api.writeError(w, r, http.StatusInternalServerError, "could not read metadata")
		return
	}

	api.writeJSON(w, r, http.StatusOK, MetaResponse{
		Meta: meta,
		URL:  api.imageURL(r, meta.ID),
	})
}

// HandleImageList serves metadata for every stored image, newest first.
func (api *API) HandleImageList(w http.ResponseWriter, r *http.Request) {
	metas, err := api.opts.Store.List(r.Context())
	if err != nil {
		api.opts.Logger.Error(r.Context(), err, "listing images")
		api.writeError(w, r, http.StatusInternalServerError, "could not list images")
		return
	}

	resp := ListResponse{Images: make([]MetaResponse, 0, len(metas)), Count: len(metas)}
	for _, meta := range metas {
		resp.Images = append(resp.Images, MetaResponse{
			Meta: meta,
			URL:  api.imageURL(r, meta.ID),
		})
	}
	api.writeJSON(w, r, http.StatusOK, resp)
}

// HandleLimits serves the caller's admission status: a read-only
// diagnostic view that never mutates violation state.
func (api *API) HandleLimits(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r.Context())
	api.writeJSON(w, r, http.StatusOK, api.opts.Limiter.Status(key))
}

func (api *API) uploadFailed(stage string) {
	if api.opts.OnUploadFailure != nil {
		api.opts.OnUploadFailure(stage)
	}
}

func (api *API) imageURL(r *http.Request, id string) string {
	base := api.opts.BaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return strings.TrimRight(base, "/") + "/i/" + id
}

// newImageID returns a short url-safe token. 16 random bytes via uuid,
// base64url without padding = 22 chars.
func newImageID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// sanitizeFilename keeps only the final path element of the client-supplied
// name and caps its length; it is stored as a convenience, never trusted.
func sanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	const maxLen = 128
	if len(name) > maxLen {
		name = name[len(name)-maxLen:]
	}
	return name
}
