package uploadhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/imgdrop/internal/admission"
	"github.com/keithlinneman/imgdrop/internal/httpmw"
	"github.com/keithlinneman/imgdrop/internal/store"
)

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	metas   map[string]store.Meta
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{
		blobs: make(map[string][]byte),
		metas: make(map[string]store.Meta),
	}
}

func (s *memStore) Save(ctx context.Context, meta store.Meta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.blobs[meta.ID] = data
	s.metas[meta.ID] = meta
	return nil
}

func (s *memStore) Open(ctx context.Context, id string) (io.ReadCloser, store.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[id]
	if !ok {
		return nil, store.Meta{}, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(s.blobs[id])), meta, nil
}

func (s *memStore) Stat(ctx context.Context, id string) (store.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[id]
	if !ok {
		return store.Meta{}, store.ErrNotFound
	}
	return meta, nil
}

func (s *memStore) List(ctx context.Context) ([]store.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Meta, 0, len(s.metas))
	for _, m := range s.metas {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metas)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T, st *memStore, opts Options) (*API, http.Handler) {
	t.Helper()
	if opts.Store == nil {
		opts.Store = st
	}
	if opts.Limiter == nil {
		opts.Limiter = admission.New(admission.NewLedger(), admission.WithClock(fixedClock{testNow}))
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	api, err := NewAPI(opts)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return api, r
}

// pngBytes encodes a small solid image for upload bodies.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func doUpload(handler http.Handler, body *bytes.Buffer, contentType, clientIP string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	r.Header.Set("Content-Type", contentType)
	if clientIP != "" {
		r = r.WithContext(httpmw.WithClientIP(r.Context(), clientIP))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestUpload_StoresAndResponds(t *testing.T) {
	st := newMemStore()
	var uploadedBytes int64
	_, handler := newTestAPI(t, st, Options{
		BaseURL:  "https://img.example.com",
		OnUpload: func(size int64) { uploadedBytes = size },
	})

	data := pngBytes(t, 4, 3)
	body, ct := multipartBody(t, "file", "cat.png", data)
	w := doUpload(handler, body, ct, "203.0.113.1")

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", w.Code, w.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("response id is empty")
	}
	if !store.ValidID(resp.ID) {
		t.Fatalf("response id %q is not a valid storage id", resp.ID)
	}
	if resp.Format != "png" {
		t.Fatalf("format = %q, want png", resp.Format)
	}
	if resp.Size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", resp.Size, len(data))
	}
	if resp.Width != 4 || resp.Height != 3 {
		t.Fatalf("dimensions = %dx%d, want 4x3", resp.Width, resp.Height)
	}
	if want := "https://img.example.com/i/" + resp.ID; resp.URL != want {
		t.Fatalf("url = %q, want %q", resp.URL, want)
	}
	if !resp.UploadedAt.Equal(testNow) {
		t.Fatalf("uploaded_at = %v, want %v", resp.UploadedAt, testNow)
	}

	if st.count() != 1 {
		t.Fatalf("store holds %d images, want 1", st.count())
	}
	if uploadedBytes != int64(len(data)) {
		t.Fatalf("OnUpload size = %d, want %d", uploadedBytes, len(data))
	}
}

func TestUpload_RecordsAgainstQuota(t *testing.T) {
	st := newMemStore()
	limiter := admission.New(admission.NewLedger(), admission.WithClock(fixedClock{testNow}))
	_, handler := newTestAPI(t, st, Options{Limiter: limiter})

	data := pngBytes(t, 2, 2)
	body, ct := multipartBody(t, "file", "a.png", data)
	doUpload(handler, body, ct, "203.0.113.1")

	s := limiter.Status("203.0.113.1")
	if s.UploadsLastMinute != 1 {
		t.Fatalf("recorded uploads = %d, want 1", s.UploadsLastMinute)
	}
	if s.HourBytes != int64(len(data)) {
		t.Fatalf("recorded bytes = %d, want %d", s.HourBytes, len(data))
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	st := newMemStore()
	var failedStage string
	_, handler := newTestAPI(t, st, Options{
		OnUploadFailure: func(stage string) { failedStage = stage },
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("name", "not a file")
	mw.Close()

	w := doUpload(handler, &buf, mw.FormDataContentType(), "203.0.113.1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if failedStage != "parse" {
		t.Fatalf("failure stage = %q, want parse", failedStage)
	}
}

func TestUpload_NonImageRejected(t *testing.T) {
	st := newMemStore()
	limiter := admission.New(admission.NewLedger(), admission.WithClock(fixedClock{testNow}))
	var failedStage string
	_, handler := newTestAPI(t, st, Options{
		Limiter:         limiter,
		OnUploadFailure: func(stage string) { failedStage = stage },
	})

	body, ct := multipartBody(t, "file", "evil.png", []byte("definitely not an image"))
	w := doUpload(handler, body, ct, "203.0.113.1")

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
	if failedStage != "convert" {
		t.Fatalf("failure stage = %q, want convert", failedStage)
	}
	if st.count() != 0 {
		t.Fatal("rejected upload reached the store")
	}
	// a failed upload must not count against quota
	if s := limiter.Status("203.0.113.1"); s.UploadsLastMinute != 0 {
		t.Fatalf("failed upload was recorded: %+v", s)
	}
}

func TestUpload_StoreFailureConsumesNoQuota(t *testing.T) {
	st := newMemStore()
	st.saveErr = errors.New("disk full")
	limiter := admission.New(admission.NewLedger(), admission.WithClock(fixedClock{testNow}))
	var failedStage string
	_, handler := newTestAPI(t, st, Options{
		Limiter:         limiter,
		OnUploadFailure: func(stage string) { failedStage = stage },
	})

	body, ct := multipartBody(t, "file", "a.png", pngBytes(t, 2, 2))
	w := doUpload(handler, body, ct, "203.0.113.1")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if failedStage != "store" {
		t.Fatalf("failure stage = %q, want store", failedStage)
	}
	if s := limiter.Status("203.0.113.1"); s.UploadsLastMinute != 0 {
		t.Fatalf("failed upload was recorded: %+v", s)
	}
}

func TestUpload_DeniedReturns429(t *testing.T) {
	st := newMemStore()
	limiter := admission.New(admission.NewLedger(),
		admission.WithClock(fixedClock{testNow}),
		admission.WithConfig(admission.Config{MinuteMax: 1}),
	)
	_, handler := newTestAPI(t, st, Options{Limiter: limiter})

	body, ct := multipartBody(t, "file", "a.png", pngBytes(t, 2, 2))
	if w := doUpload(handler, body, ct, "203.0.113.1"); w.Code != http.StatusCreated {
		t.Fatalf("first upload: status = %d, want 201", w.Code)
	}

	body, ct = multipartBody(t, "file", "b.png", pngBytes(t, 2, 2))
	w := doUpload(handler, body, ct, "203.0.113.1")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload: status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "300" {
		t.Fatalf("Retry-After = %q, want 300", got)
	}

	var resp RejectResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("reject response has no error message")
	}
	if resp.Violations != 1 {
		t.Fatalf("violations = %d, want 1", resp.Violations)
	}
	if resp.RetryAfterSeconds != 300 {
		t.Fatalf("retry_after_seconds = %d, want 300", resp.RetryAfterSeconds)
	}
	if resp.BlockedUntil == nil || !resp.BlockedUntil.Equal(testNow.Add(5*time.Minute)) {
		t.Fatalf("blocked_until = %v, want %v", resp.BlockedUntil, testNow.Add(5*time.Minute))
	}

	if st.count() != 1 {
		t.Fatalf("store holds %d images, want 1 (denied upload must not be stored)", st.count())
	}
}

func TestUpload_ClientsKeyedSeparately(t *testing.T) {
	st := newMemStore()
	limiter := admission.New(admission.NewLedger(),
		admission.WithClock(fixedClock{testNow}),
		admission.WithConfig(admission.Config{MinuteMax: 1}),
	)
	_, handler := newTestAPI(t, st, Options{Limiter: limiter})

	body, ct := multipartBody(t, "file", "a.png", pngBytes(t, 2, 2))
	doUpload(handler, body, ct, "203.0.113.1")

	// a different client is not affected by the first client's quota
	body, ct = multipartBody(t, "file", "b.png", pngBytes(t, 2, 2))
	if w := doUpload(handler, body, ct, "203.0.113.2"); w.Code != http.StatusCreated {
		t.Fatalf("second client: status = %d, want 201", w.Code)
	}
}

func TestUpload_NoClientIPUsesFallbackKey(t *testing.T) {
	st := newMemStore()
	limiter := admission.New(admission.NewLedger(), admission.WithClock(fixedClock{testNow}))
	_, handler := newTestAPI(t, st, Options{Limiter: limiter})

	body, ct := multipartBody(t, "file", "a.png", pngBytes(t, 2, 2))
	if w := doUpload(handler, body, ct, ""); w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}

	if s := limiter.Status(unknownClient); s.UploadsLastMinute != 1 {
		t.Fatalf("upload not recorded under fallback key: %+v", s)
	}
}

func TestUpload_NormalizeToJpeg(t *testing.T) {
	st := newMemStore()
	_, handler := newTestAPI(t, st, Options{NormalizeFormat: "jpeg"})

	body, ct := multipartBody(t, "file", "a.png", pngBytes(t, 8, 8))
	w := doUpload(handler, body, ct, "203.0.113.1")

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", w.Code, w.Body.String())
	}
	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Format != "jpeg" {
		t.Fatalf("format = %q, want jpeg", resp.Format)
	}
	meta, err := st.Stat(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("stat stored image: %v", err)
	}
	if meta.ContentType != "image/jpeg" {
		t.Fatalf("stored content type = %q, want image/jpeg", meta.ContentType)
	}
}

func TestGetImage_ServesStoredBytes(t *testing.T) {
	st := newMemStore()
	_, handler := newTestAPI(t, st, Options{})

	data := pngBytes(t, 2, 2)
	body, ct := multipartBody(t, "file", "a.png", data)
	w := doUpload(handler, body, ct, "203.0.113.1")
	var up UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/i/"+up.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("Content-Type = %q, want image/png", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=31536000, immutable" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatal("served bytes differ from uploaded bytes")
	}
}

func TestGetImage_HeadOmitsBody(t *testing.T) {
	st := newMemStore()
	_, handler := newTestAPI(t, st, Options{})

	body, ct := multipartBody(t, "file", "a.png", pngBytes(t, 2, 2))
	w := doUpload(handler, body, ct, "203.0.113.1")
	var up UploadResponse
	json.Unmarshal(w.Body.Bytes(), &up)

	r := httptest.NewRequest(http.MethodHead, "/i/"+up.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD response has %d body bytes", rec.Body.Len())
	}
}

func TestGetImage_NotFound(t *testing.T) {
	st := newMemStore()
	_, handler := newTestAPI(t, st, Options{})

	r := httptest.NewRequest(http.MethodGet, "/i/nope-nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetImageMeta(t *testing.T) {
	st := newMemStore()
	_, handler := newTestAPI(t, st, Options{BaseURL: "https://img.example.com"})

	body, ct := multipartBody(t, "file", "holiday.png", pngBytes(t, 2, 2))
	w := doUpload(handler, body, ct, "203.0.113.1")
	var up UploadResponse
	json.Unmarshal(w.Body.Bytes(), &up)

	r := httptest.NewRequest(http.MethodGet, "/api/images/"+up.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp MetaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != up.ID {
		t.Fatalf("id = %q, want %q", resp.ID, up.ID)
	}
	if resp.OriginalName != "holiday.png" {
		t.Fatalf("original_name = %q, want holiday.png", resp.OriginalName)
	}
	if resp.SHA256 != up.SHA256 {
		t.Fatalf("sha256 mismatch: %q vs %q", resp.SHA256, up.SHA256)
	}
}

func TestListImages(t *testing.T) {
	st := newMemStore()
	_, handler := newTestAPI(t, st, Options{BaseURL: "https://img.example.com"})

	ids := make(map[string]bool)
	for _, name := range []string{"a.png", "b.png"} {
		body, ct := multipartBody(t, "file", name, pngBytes(t, 2, 2))
		w := doUpload(handler, body, ct, "203.0.113.1")
		var up UploadResponse
		if err := json.Unmarshal(w.Body.Bytes(), &up); err != nil {
			t.Fatalf("decode upload response: %v", err)
		}
		ids[up.ID] = true
	}

	r := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.Images) != 2 {
		t.Fatalf("count = %d with %d images, want 2", resp.Count, len(resp.Images))
	}
	for _, img := range resp.Images {
		if !ids[img.ID] {
			t.Errorf("unexpected id %q in listing", img.ID)
		}
		if want := "https://img.example.com/i/" + img.ID; img.URL != want {
			t.Errorf("url = %q, want %q", img.URL, want)
		}
	}
}

func TestGetLimits(t *testing.T) {
	st := newMemStore()
	limiter := admission.New(admission.NewLedger(), admission.WithClock(fixedClock{testNow}))
	_, handler := newTestAPI(t, st, Options{Limiter: limiter})

	body, ct := multipartBody(t, "file", "a.png", pngBytes(t, 2, 2))
	doUpload(handler, body, ct, "203.0.113.1")

	r := httptest.NewRequest(http.MethodGet, "/api/limits", nil)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), "203.0.113.1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var s admission.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if s.UploadsLastMinute != 1 || s.UploadsLastDay != 1 {
		t.Fatalf("status = %+v, want one upload in every window", s)
	}
	if s.Blocked {
		t.Fatal("fresh client reported as blocked")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"cat.png", "cat.png"},
		{"/etc/passwd", "passwd"},
		{`C:\Users\me\cat.png`, "cat.png"},
		{"../../escape.png", "escape.png"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
