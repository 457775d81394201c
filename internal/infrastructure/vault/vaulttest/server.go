// Package vaulttest provides an in-memory Vault HTTP fake for tests: a KV v2 engine
// plus optional handlers for other paths.
package vaulttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/require"
)

// Server is a fake Vault. Requests to /v1/<mount>/data/... and /v1/<mount>/metadata/...
// are served from memory for every mount in kvMounts; other paths go to Handle'd routes.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	kvMounts map[string]bool
	secrets  map[string]map[string]interface{}
	routes   map[string]http.HandlerFunc
	failures map[string]int
}

// NewServer starts a fake Vault serving the given KV v2 mounts. It is closed with the test.
func NewServer(t *testing.T, kvMounts ...string) *Server {
	t.Helper()
	s := &Server{
		kvMounts: map[string]bool{},
		secrets:  map[string]map[string]interface{}{},
		routes:   map[string]http.HandlerFunc{},
		failures: map[string]int{},
	}
	for _, m := range kvMounts {
		s.kvMounts[strings.Trim(m, "/")] = true
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Client returns an API client pointed at the fake, with retries disabled.
func (s *Server) Client(t *testing.T) *vaultapi.Client {
	t.Helper()
	cfg := vaultapi.DefaultConfig()
	cfg.Address = s.URL
	cfg.MaxRetries = 0
	client, err := vaultapi.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken("test-token")
	return client
}

// Handle registers a handler for requests whose path (without /v1/) has the given prefix.
func (s *Server) Handle(prefix string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[strings.Trim(prefix, "/")] = h
}

// FailNext makes the next n requests with the given path prefix answer 503.
func (s *Server) FailNext(prefix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[strings.Trim(prefix, "/")] = n
}

// Secret returns a copy of the stored KV data at mount/path, or nil.
func (s *Server) Secret(mount, path string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.secrets[strings.Trim(mount, "/")+"/"+strings.Trim(path, "/")]
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// PutSecret seeds KV data at mount/path.
func (s *Server) PutSecret(mount, path string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[strings.Trim(mount, "/")+"/"+strings.Trim(path, "/")] = data
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/v1/")

	s.mu.Lock()
	for prefix, n := range s.failures {
		if n > 0 && strings.HasPrefix(p, prefix) {
			s.failures[prefix] = n - 1
			s.mu.Unlock()
			WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"errors": []string{"sealed"}})
			return
		}
	}
	var route http.HandlerFunc
	best := ""
	for prefix, h := range s.routes {
		if strings.HasPrefix(p, prefix) && len(prefix) > len(best) {
			best, route = prefix, h
		}
	}
	s.mu.Unlock()

	if route != nil {
		route(w, r)
		return
	}
	parts := strings.SplitN(p, "/", 3)
	if len(parts) == 3 && s.kvMounts[parts[0]] {
		s.serveKV(w, r, parts[0], parts[1], parts[2])
		return
	}
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
}

func (s *Server) serveKV(w http.ResponseWriter, r *http.Request, mount, kind, path string) {
	key := mount + "/" + path
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case kind == "data" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{err.Error()}})
			return
		}
		s.secrets[key] = body.Data
		WriteJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"version": 1}})
	case kind == "data" && r.Method == http.MethodGet:
		data, ok := s.secrets[key]
		if !ok {
			WriteJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"data": data, "metadata": map[string]interface{}{"version": 1}},
		})
	case kind == "metadata" && r.Method == http.MethodGet && r.URL.Query().Get("list") == "true":
		prefix := strings.TrimSuffix(key, "/") + "/"
		seen := map[string]bool{}
		for k := range s.secrets {
			if rest, ok := strings.CutPrefix(k, prefix); ok {
				if i := strings.Index(rest, "/"); i >= 0 {
					rest = rest[:i+1]
				}
				seen[rest] = true
			}
		}
		if len(seen) == 0 {
			WriteJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
			return
		}
		keys := make([]string, 0, len(seen))
		for k := range seen {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		WriteJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"keys": keys}})
	case kind == "metadata" && r.Method == http.MethodDelete:
		delete(s.secrets, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"errors": []string{"unsupported"}})
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
