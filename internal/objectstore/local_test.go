package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestLocalStore(t *testing.T) (*LocalStore, *httptest.Server) {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "", "local-signing-secret")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	srv := httptest.NewServer(store.Handler())
	t.Cleanup(srv.Close)
	store.baseURL = srv.URL
	return store, srv
}

func TestLocalPresignedUploadAndDownload(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx := context.Background()
	body := []byte("\x89PNG fake image bytes")

	if _, err := store.Stat(ctx, "att", "Ab12/one.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before upload, got %v", err)
	}

	putURL, err := store.PresignPut(ctx, "att", "Ab12/one.png", "image/png", int64(len(body)), time.Minute)
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPut, putURL, bytes.NewReader(body))
	req.Header.Set("Content-Type", "image/png")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status %d", resp.StatusCode)
	}

	size, err := store.Stat(ctx, "att", "Ab12/one.png")
	if err != nil || size != int64(len(body)) {
		t.Fatalf("Stat: size=%d err=%v", size, err)
	}

	getURL, err := store.PresignGet(ctx, "att", "Ab12/one.png", time.Minute)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	resp, err = http.Get(getURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(got, body) {
		t.Fatalf("downloaded bytes differ")
	}
}

func TestLocalRejectsTamperedAndExpiredURLs(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx := context.Background()

	putURL, _ := store.PresignPut(ctx, "att", "Ab12/two.png", "image/png", 4, time.Minute)
	tampered := strings.Replace(putURL, "two.png", "three.png", 1)
	req, _ := http.NewRequest(http.MethodPut, tampered, strings.NewReader("abcd"))
	req.Header.Set("Content-Type", "image/png")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden for tampered url, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, putURL, strings.NewReader("abcdefgh"))
	req.Header.Set("Content-Type", "image/png")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected oversize upload rejected, got %d", resp.StatusCode)
	}

	store.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := store.PresignGet(ctx, "att", "Ab12/two.png", time.Minute)
	store.now = time.Now
	resp, err = http.Get(expired)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected expired url rejected, got %d", resp.StatusCode)
	}
}

func TestLocalPutGetAndKeyValidation(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx := context.Background()
	if err := store.Put(ctx, "arch", "archives/Ab12/1.json.zst", "application/zstd", []byte("snap")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, "arch", "archives/Ab12/1.json.zst")
	if err != nil || string(got) != "snap" {
		t.Fatalf("Get: %q %v", got, err)
	}
	if _, err := store.Get(ctx, "arch", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Put(ctx, "arch", "../escape", "", []byte("x")); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
}
