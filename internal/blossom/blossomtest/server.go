// Package blossomtest provides an in-memory Blossom server for tests.
package blossomtest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/simple-thumbnail-dvm/internal/blossom"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// Blob is a stored blob and its owner
type Blob struct {
	dvm.BlobDescriptor
	Owner string
}

// Server is a Blossom server that keeps blobs in memory and verifies tokens
// the way a real server would.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	blobs    map[string]Blob
	tokens   map[string]bool
	uploads  int
	deletes  []string
	failPut  map[int]bool
	failDel  map[string]bool
	rejected []error

	Now func() time.Time
}

// NewServer starts a new in-memory Blossom server
func NewServer() *Server {
	s := &Server{
		blobs:   make(map[string]Blob),
		tokens:  make(map[string]bool),
		failPut: make(map[int]bool),
		failDel: make(map[string]bool),
		Now:     time.Now,
	}

	r := chi.NewRouter()
	r.Put("/upload", s.handleUpload)
	r.Get("/list/{pubkey}", s.handleList)
	r.Delete("/{sha256}", s.handleDelete)
	s.Server = httptest.NewServer(r)
	return s
}

// FailUpload makes the n-th upload (1-based) answer 500
func (s *Server) FailUpload(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut[n] = true
}

// FailDelete makes deletes of the given hash answer 500
func (s *Server) FailDelete(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDel[hash] = true
}

// Seed stores a blob directly, bypassing upload
func (s *Server) Seed(owner string, desc dvm.BlobDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[desc.SHA256] = Blob{BlobDescriptor: desc, Owner: owner}
}

// Blobs returns a copy of the stored blobs
func (s *Server) Blobs() map[string]Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Blob, len(s.blobs))
	for k, v := range s.blobs {
		out[k] = v
	}
	return out
}

// Uploads returns the number of upload attempts
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// Rejections returns the verification errors of refused tokens
func (s *Server) Rejections() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.rejected...)
}

// Deletes returns the hashes of all delete calls, in order
func (s *Server) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	header := r.Header.Get("Authorization")
	ev, err := blossom.ParseToken(header, s.Now())
	if err != nil || blossom.Operation(ev) != op {
		s.mu.Lock()
		s.rejected = append(s.rejected, err)
		s.mu.Unlock()
		w.Header().Set("X-Reason", "unauthorized")
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[ev.ID] {
		w.Header().Set("X-Reason", "token replayed")
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}
	s.tokens[ev.ID] = true
	return ev.PubKey, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authorize(w, r, blossom.OpUpload)
	if !ok {
		return
	}

	s.mu.Lock()
	s.uploads++
	n := s.uploads
	fail := s.failPut[n]
	s.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil || fail {
		w.Header().Set("X-Reason", "storage failure")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	desc := dvm.BlobDescriptor{
		URL:     s.URL + "/" + hash + "." + extension(r.Header.Get("Content-Type")),
		SHA256:  hash,
		Size:    int64(len(body)),
		Type:    r.Header.Get("Content-Type"),
		Created: s.Now().Unix(),
	}
	if ev, _ := blossom.ParseToken(r.Header.Get("Authorization"), s.Now()); ev != nil {
		if size := dvm.FindTag(ev.Tags, "size"); len(size) >= 2 && size[1] != strconv.Itoa(len(body)) {
			w.Header().Set("X-Reason", "size mismatch")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	s.blobs[hash] = Blob{BlobDescriptor: desc, Owner: owner}
	s.mu.Unlock()

	writeJSON(w, desc)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, blossom.OpList); !ok {
		return
	}
	pubkey := chi.URLParam(r, "pubkey")

	s.mu.Lock()
	out := make([]dvm.BlobDescriptor, 0, len(s.blobs))
	for _, b := range s.blobs {
		if b.Owner == pubkey {
			out = append(out, b.BlobDescriptor)
		}
	}
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, blossom.OpDelete); !ok {
		return
	}
	hash := chi.URLParam(r, "sha256")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, hash)
	if s.failDel[hash] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, ok := s.blobs[hash]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(s.blobs, hash)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func extension(contentType string) string {
	if contentType == "image/png" {
		return "png"
	}
	return "jpg"
}
