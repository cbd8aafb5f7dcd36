package httpapi

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/imsearch/imsearch/internal/catalog"
	"github.com/imsearch/imsearch/internal/config"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/hashing"
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/search"
	"github.com/imsearch/imsearch/internal/worker"
)

func newTestServer(t *testing.T) (*Server, *catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	hasher, err := hashing.New(hashing.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	extractor := descriptor.NewFASTBRIEFExtractor(descriptor.Params{MaxFeatures: 50, NumLevels: 1})
	pool := worker.New(2)
	t.Cleanup(pool.Close)

	cfg := config.Default()
	engine := search.New(cat)
	indexDir := filepath.Join(dir, "index")
	s := New(cfg, cat, engine, extractor, hasher, pool, nil, nil, indexDir)
	return s, cat
}

// newTestServerWithQuantizer additionally pre-trains and persists a
// trivial single-centroid quantizer into the server's index directory,
// the way `imsearch train` would before a real /build call.
func newTestServerWithQuantizer(t *testing.T) (*Server, *catalog.Catalog) {
	t.Helper()
	s, cat := newTestServer(t)
	if err := os.MkdirAll(s.indexDir, 0o755); err != nil {
		t.Fatal(err)
	}
	q := &ivf.Quantizer{Centroids: []hamming.Code{{0, 0, 0, 0}}}
	if err := ivf.SaveQuantizer(filepath.Join(s.indexDir, "quantizer.bin"), q); err != nil {
		t.Fatal(err)
	}
	return s, cat
}

func checkerboardPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			if (x/6+y/6)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 250})
			} else {
				img.SetGray(x, y, color.Gray{Y: 5})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartImageRequest(t *testing.T, path string, data []byte) *http.Request {
	t.Helper()
	return multipartFieldRequest(t, path, "image", data)
}

func multipartSearchRequest(t *testing.T, data []byte) *http.Request {
	t.Helper()
	return multipartFieldRequest(t, "/search", "file", data)
}

func multipartFieldRequest(t *testing.T, path, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, "test.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHandleAddStoresImage(t *testing.T) {
	s, cat := newTestServer(t)
	req := multipartImageRequest(t, "/add", checkerboardPNG(t))

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}

	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Deduped {
		t.Fatal("want not deduped on first add")
	}
	if out.ImageID == 0 {
		t.Fatal("want a nonzero image id")
	}

	stats, err := cat.Stats(req.Context(), out.ImageID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.VectorCount == 0 {
		t.Fatal("want descriptors stored for a high-contrast image")
	}
}

func TestHandleSearchWithoutIndexReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := multipartSearchRequest(t, checkerboardPNG(t))

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 before any build, got %d", resp.StatusCode)
	}
}

func TestHandleStatsReflectsAddedImages(t *testing.T) {
	s, _ := newTestServer(t)
	addReq := multipartImageRequest(t, "/add", checkerboardPNG(t))
	if _, err := s.app.Test(addReq, -1); err != nil {
		t.Fatal(err)
	}

	statsReq := httptest.NewRequest(http.MethodGet, "/stats", nil)
	resp, err := s.app.Test(statsReq, -1)
	if err != nil {
		t.Fatal(err)
	}
	var out statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ImageCount != 1 {
		t.Fatalf("want 1 image, got %d", out.ImageCount)
	}
}

func TestHandleSearchAcceptsMultipleFiles(t *testing.T) {
	s, _ := newTestServerWithQuantizer(t)
	data := checkerboardPNG(t)

	addReq := multipartImageRequest(t, "/add", data)
	addResp, err := s.app.Test(addReq, -1)
	if err != nil {
		t.Fatal(err)
	}
	var added addResponse
	if err := json.NewDecoder(addResp.Body).Decode(&added); err != nil {
		t.Fatal(err)
	}

	buildResp, err := s.app.Test(httptest.NewRequest(http.MethodPost, "/build", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if buildResp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from build, got %d", buildResp.StatusCode)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for i := 0; i < 2; i++ {
		part, err := w.CreateFormFile("file", "test.png")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/search", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from a multi-file search, got %d", resp.StatusCode)
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) == 0 || out.Results[0].ImageID != added.ImageID {
		t.Fatalf("want the added image to come back as a match, got %+v", out.Results)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Server.AuthToken = "secret"

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}

func TestBuildThenSearchFindsAddedImage(t *testing.T) {
	s, _ := newTestServerWithQuantizer(t)
	data := checkerboardPNG(t)

	addReq := multipartImageRequest(t, "/add", data)
	addResp, err := s.app.Test(addReq, -1)
	if err != nil {
		t.Fatal(err)
	}
	var added addResponse
	if err := json.NewDecoder(addResp.Body).Decode(&added); err != nil {
		t.Fatal(err)
	}

	buildReq := httptest.NewRequest(http.MethodPost, "/build", nil)
	buildResp, err := s.app.Test(buildReq, -1)
	if err != nil {
		t.Fatal(err)
	}
	if buildResp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from build, got %d", buildResp.StatusCode)
	}

	searchReq := multipartSearchRequest(t, data)
	searchResp, err := s.app.Test(searchReq, -1)
	if err != nil {
		t.Fatal(err)
	}
	if searchResp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from search, got %d", searchResp.StatusCode)
	}
	var out searchResponse
	if err := json.NewDecoder(searchResp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) == 0 || out.Results[0].ImageID != added.ImageID {
		t.Fatalf("want the added image to come back as a match, got %+v", out.Results)
	}
}
