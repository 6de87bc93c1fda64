package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RecordedRequest is one request received by FakeRemote.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Route is the canned response for a "METHOD /path" key.
type Route struct {
	Status int
	Body   string
	Header http.Header
}

// FakeRemote is an httptest server standing in for the remote API. Unknown
// routes answer 200 with an empty JSON object.
type FakeRemote struct {
	Server *httptest.Server

	mu       sync.Mutex
	routes   map[string]Route
	requests []RecordedRequest
}

// NewFakeRemote starts a fake remote that is closed when the test ends.
func NewFakeRemote(t *testing.T) *FakeRemote {
	t.Helper()
	r := &FakeRemote{routes: make(map[string]Route)}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Server.Close)
	return r
}

// URL returns the server base URL.
func (r *FakeRemote) URL() string {
	return r.Server.URL
}

// Handle sets the response for method and path.
func (r *FakeRemote) Handle(method, path string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[method+" "+path] = route
}

// Requests returns a copy of everything received so far.
func (r *FakeRemote) Requests() []RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedRequest(nil), r.requests...)
}

// RequestsTo returns requests matching method and path.
func (r *FakeRemote) RequestsTo(method, path string) []RecordedRequest {
	var out []RecordedRequest
	for _, req := range r.Requests() {
		if req.Method == method && req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

func (r *FakeRemote) serve(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.requests = append(r.requests, RecordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Header: req.Header.Clone(),
		Body:   body,
	})
	route, ok := r.routes[req.Method+" "+req.URL.Path]
	r.mu.Unlock()

	if !ok {
		route = Route{Status: http.StatusOK, Body: "{}"}
	}
	for k, vs := range route.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" && looksLikeJSON(route.Body) {
		w.Header().Set("Content-Type", "application/json")
	}
	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, route.Body)
}

func looksLikeJSON(body string) bool {
	body = strings.TrimSpace(body)
	return strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[")
}
