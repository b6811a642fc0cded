package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalPathPrefix is where the local store's Handler is mounted.
const LocalPathPrefix = "/objects/"

// LocalStore keeps objects on the filesystem and issues HMAC-signed URLs
// served by Handler. It stands in for S3 on single-instance deployments.
type LocalStore struct {
	baseDir string
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewLocalStore(baseDir, baseURL, secret string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, errors.New("local storage dir required")
	}
	if secret == "" {
		return nil, errors.New("local storage signing secret required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}, nil
}

func (s *LocalStore) objectPath(bucket, key string) (string, error) {
	if bucket == "" || key == "" || strings.Contains(bucket, "/") {
		return "", errors.New("invalid object location")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", errors.New("invalid object key")
		}
	}
	return filepath.Join(s.baseDir, bucket, filepath.FromSlash(key)), nil
}

func (s *LocalStore) sign(method, bucket, key, expires, contentType, size string) string {
	mac := hmac.New(sha256.New, s.secret)
	io.WriteString(mac, strings.Join([]string{method, bucket + "/" + key, expires, contentType, size}, "\n"))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *LocalStore) presign(method, bucket, key, contentType string, size int64, ttl time.Duration) (string, error) {
	if _, err := s.objectPath(bucket, key); err != nil {
		return "", err
	}
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	sizeStr := ""
	if size > 0 {
		sizeStr = strconv.FormatInt(size, 10)
	}
	q := url.Values{}
	q.Set("expires", expires)
	if contentType != "" {
		q.Set("type", contentType)
	}
	if sizeStr != "" {
		q.Set("size", sizeStr)
	}
	q.Set("sig", s.sign(method, bucket, key, expires, contentType, sizeStr))
	return s.baseURL + LocalPathPrefix + bucket + "/" + key + "?" + q.Encode(), nil
}

func (s *LocalStore) PresignPut(_ context.Context, bucket, key, contentType string, size int64, ttl time.Duration) (string, error) {
	return s.presign(http.MethodPut, bucket, key, contentType, size, ttl)
}

func (s *LocalStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return s.presign(http.MethodGet, bucket, key, "", 0, ttl)
}

func (s *LocalStore) Stat(_ context.Context, bucket, key string) (int64, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (s *LocalStore) Put(_ context.Context, bucket, key, _ string, body []byte) error {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, body)
}

func (s *LocalStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func writeFileAtomic(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Handler serves presigned PUT and GET requests under LocalPathPrefix.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, LocalPathPrefix)
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		expires := q.Get("expires")
		contentType := q.Get("type")
		size := q.Get("size")
		want := s.sign(r.Method, bucket, key, expires, contentType, size)
		if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		exp, err := strconv.ParseInt(expires, 10, 64)
		if err != nil || s.now().Unix() > exp {
			http.Error(w, "url expired", http.StatusForbidden)
			return
		}
		path, err := s.objectPath(bucket, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodPut:
			s.servePut(w, r, path, contentType, size)
		case http.MethodGet:
			f, err := os.Open(path)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				http.Error(w, "stat failed", http.StatusInternalServerError)
				return
			}
			http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *LocalStore) servePut(w http.ResponseWriter, r *http.Request, path, contentType, size string) {
	if contentType != "" && r.Header.Get("Content-Type") != contentType {
		http.Error(w, "content type mismatch", http.StatusBadRequest)
		return
	}
	limit, err := strconv.ParseInt(size, 10, 64)
	if err != nil || limit <= 0 {
		http.Error(w, "size required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if int64(len(body)) != limit {
		http.Error(w, "size mismatch", http.StatusBadRequest)
		return
	}
	if err := writeFileAtomic(path, body); err != nil {
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
