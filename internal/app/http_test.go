package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"servicedesk/api/internal/auth"
	"servicedesk/api/internal/fetch"
	"servicedesk/api/internal/locator"
	"servicedesk/api/internal/objectstore"
	"servicedesk/api/internal/store"
)

func adminToken(t *testing.T, sub, mail string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:   sub,
		Email: mail,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	rr := doRequest(t, server.Handler(), http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("middleware should assign a request id")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		pingFn func(context.Context) error
		status int
		state  string
	}{
		{"database up", nil, http.StatusOK, "ready"},
		{"database down", func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable, "not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.pingFn = tt.pingFn
			server := NewHTTPServer(newTestService(fs), "*")

			rr := doRequest(t, server.Handler(), http.MethodGet, "/ready", "", "")
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rr.Code)
			}
			if got := decodeResponse(t, rr)["status"]; got != tt.state {
				t.Fatalf("expected status %q, got %v", tt.state, got)
			}
		})
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyReportsHintCache(t *testing.T) {
	tests := []struct {
		name      string
		hints     pinger
		wantCheck any
	}{
		{name: "disabled", hints: nil, wantCheck: nil},
		{name: "healthy", hints: pingFunc(func(context.Context) error { return nil }), wantCheck: "ok"},
		{name: "unreachable", hints: pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") }), wantCheck: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(newFakeStore())
			svc.hints = tt.hints
			server := NewHTTPServer(svc, "*")

			rr := doRequest(t, server.Handler(), http.MethodGet, "/ready", "", "")
			if rr.Code != http.StatusOK {
				t.Fatalf("hint cache state must not fail readiness, got %d", rr.Code)
			}
			checks := decodeResponse(t, rr)["checks"].(map[string]any)
			hintCheck, present := checks["hints"].(map[string]any)
			if tt.wantCheck == nil {
				if present {
					t.Fatalf("expected no hints check, got %v", checks["hints"])
				}
				return
			}
			if !present || hintCheck["status"] != tt.wantCheck {
				t.Fatalf("hints check = %v, want status %v", checks["hints"], tt.wantCheck)
			}
		})
	}
}

func TestServicesRequireToken(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(twoDocumentRequest())), "*")
	expired, _ := auth.IssueToken([]byte("test-secret"), auth.Claims{Sub: "admin-1", Exp: time.Now().Add(-time.Minute).Unix()})
	forged, _ := auth.IssueToken([]byte("other-secret"), auth.Claims{Sub: "admin-1", Exp: time.Now().Add(time.Hour).Unix()})

	for name, token := range map[string]string{"missing": "", "expired": expired, "forged": forged} {
		rr := doRequest(t, server.Handler(), http.MethodGet, "/services/sr-1", token, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s token: expected 401, got %d", name, rr.Code)
		}
	}
}

func TestGetAndListServiceRequests(t *testing.T) {
	fs := newFakeStore(twoDocumentRequest())
	server := NewHTTPServer(newTestService(fs), "*")
	token := adminToken(t, "admin-1", "")

	rr := doRequest(t, server.Handler(), http.MethodGet, "/services/sr-1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	item := decodeResponse(t, rr)["serviceRequest"].(map[string]any)
	docs := item["documents"].([]any)
	if item["status"] != "pending" || len(docs) != 2 {
		t.Fatalf("unexpected payload %v", item)
	}
	first := docs[0].(map[string]any)
	if first["id"] != "doc-a" || first["storage"].(map[string]any)["publicId"] != "services/plan.pdf" {
		t.Fatalf("unexpected document payload %v", first)
	}

	rr = doRequest(t, server.Handler(), http.MethodGet, "/services", token, "")
	if items := decodeResponse(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}

	var searched string
	var searchLimit int
	fs.searchFn = func(_ context.Context, _ string, text string, limit int) ([]store.ServiceRequest, error) {
		searched, searchLimit = text, limit
		return nil, nil
	}
	rr = doRequest(t, server.Handler(), http.MethodGet, "/services?q=roof+tiles&limit=5", token, "")
	if items := decodeResponse(t, rr)["items"].([]any); len(items) != 0 || searched != "roof tiles" || searchLimit != 5 {
		t.Fatalf("search not forwarded: q=%q limit=%d items=%v", searched, searchLimit, items)
	}

	rr = doRequest(t, server.Handler(), http.MethodGet, "/services/sr-1", adminToken(t, "admin-2", ""), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("other owner should get 404, got %d", rr.Code)
	}
}

func TestReviewEndpointWithFailingNotification(t *testing.T) {
	fs := newFakeStore(twoDocumentRequest())
	svc := newTestService(fs)
	svc.mailer = &fakeMailer{ok: false}
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/services/sr-1/review", adminToken(t, "admin-1", "avery@example.com"),
		`{"reviews":[{"documentId":"doc-a","review":"ok","suggestion":"","reviewStatus":"reviewed"}],"emailMessage":""}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["emailSent"] != false {
		t.Fatalf("expected emailSent=false, got %v", payload["emailSent"])
	}
	item := payload["serviceRequest"].(map[string]any)
	if item["status"] != "in-review" || item["reviewSentAt"] == nil {
		t.Fatalf("unexpected service request %v", item)
	}
	saved, _ := fs.get("sr-1")
	docA, _ := saved.Documents.Lookup("doc-a")
	if docA.Review != "ok" || docA.ReviewStatus != store.ReviewReviewed {
		t.Fatalf("persisted review changed by notification failure: %+v", docA)
	}
}

func TestReviewEndpointValidation(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(twoDocumentRequest())), "*")
	token := adminToken(t, "admin-1", "")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty list", `{"reviews":[]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"only stale ids", `{"reviews":[{"documentId":"gone","reviewStatus":"reviewed"}]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad json", `{"reviews":`, http.StatusBadRequest, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, server.Handler(), http.MethodPost, "/services/sr-1/review", token, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
			if code := decodeResponse(t, rr)["code"]; code != tt.code {
				t.Fatalf("expected code %s, got %v", tt.code, code)
			}
		})
	}
}

func TestDeleteEndpoints(t *testing.T) {
	second := twoDocumentRequest()
	second.ID = "sr-2"
	fs := newFakeStore(twoDocumentRequest(), second)
	svc := newTestService(fs)
	svc.cleaner = &fakeCleaner{}
	server := NewHTTPServer(svc, "*")
	token := adminToken(t, "admin-1", "")

	rr := doRequest(t, server.Handler(), http.MethodDelete, "/services/sr-1", token, "")
	if rr.Code != http.StatusOK || decodeResponse(t, rr)["deleted"] != float64(1) {
		t.Fatalf("unexpected delete response %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server.Handler(), http.MethodPost, "/services/bulk-delete", token, `{"ids":["sr-1","sr-2"]}`)
	if rr.Code != http.StatusOK || decodeResponse(t, rr)["deleted"] != float64(1) {
		t.Fatalf("unexpected bulk delete response %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server.Handler(), http.MethodDelete, "/services/sr-1", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted request, got %d", rr.Code)
	}
}

func TestCreateAndPublicIntakeEndpoints(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.cfg.IntakeOwnerID = "admin-1"
	server := NewHTTPServer(svc, "*")
	body := `{"requesterEmail":"client@example.com","title":"Deck","documents":[{"originalName":"deck.pdf","publicId":"intake/deck.pdf"}]}`

	rr := doRequest(t, server.Handler(), http.MethodPost, "/public/services", "", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server.Handler(), http.MethodPost, "/services", adminToken(t, "admin-1", ""), body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	items, _ := fs.ListServiceRequests(context.Background(), "admin-1")
	if len(items) != 2 {
		t.Fatalf("expected two stored requests, got %d", len(items))
	}
}

// storageUpstream serves the stored URL of doc-a and 404s everything else.
func storageUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func streamingService(t *testing.T, upstream *httptest.Server, provider objectstore.Signer) (*Service, store.ServiceRequest) {
	t.Helper()
	item := twoDocumentRequest()
	docs := item.Documents.All()
	docs[0].Storage.URL = upstream.URL + "/stored/plan.pdf"
	item.Documents = store.NewDocumentSet(docs)

	svc := newTestService(newFakeStore(item))
	svc.locator = locator.New(provider, 10*time.Minute)
	svc.fetcher = fetch.New(upstream.Client(), fetch.WithLogger(discardLogger()))
	return svc, item
}

func TestDocumentFileStreamsInline(t *testing.T) {
	payload := bytes.Repeat([]byte("%PDF"), 50000)
	upstream := storageUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stored/plan.pdf" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "binary/octet-stream")
		_, _ = w.Write(payload)
	})
	svc, _ := streamingService(t, upstream, nil)
	server := NewHTTPServer(svc, "*")
	token := adminToken(t, "admin-1", "")

	rr := doRequest(t, server.Handler(), http.MethodGet, "/services/sr-1/documents/doc-a/file", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Fatalf("payload mismatch: %d bytes", rr.Body.Len())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("stored mime type should win, got %q", got)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(got, `inline; filename="plan.pdf"`) {
		t.Fatalf("unexpected disposition %q", got)
	}
	if got := rr.Header().Get("Cache-Control"); got != "private, max-age=300" {
		t.Fatalf("unexpected cache control %q", got)
	}

	rr = doRequest(t, server.Handler(), http.MethodGet, "/services/sr-1/documents/doc-a/download", token, "")
	if got := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(got, "attachment;") {
		t.Fatalf("download should be an attachment, got %q", got)
	}

	rr = doRequest(t, server.Handler(), http.MethodGet, "/services/sr-1/documents/doc-a/preview", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown mode should 404, got %d", rr.Code)
	}
}

func TestDocumentRetrievalFailureReportsTrail(t *testing.T) {
	upstream := storageUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	cloud, err := objectstore.NewCloud(objectstore.CloudConfig{
		Name:         "demo",
		APIKey:       "key",
		APISecret:    "secret",
		DeliveryHost: upstream.URL,
		APIHost:      upstream.URL,
	}, upstream.Client())
	if err != nil {
		t.Fatalf("NewCloud() error = %v", err)
	}
	svc, item := streamingService(t, upstream, cloud)
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodGet, "/services/sr-1/documents/doc-a/download", adminToken(t, "admin-1", ""), "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "RETRIEVAL_FAILED" {
		t.Fatalf("unexpected code %v", payload["code"])
	}
	trail := payload["details"].(map[string]any)["trail"].([]any)
	doc, _ := item.Documents.Lookup("doc-a")
	if want := len(svc.locator.Locate(doc)); len(trail) != want {
		t.Fatalf("expected one trail entry per candidate (%d), got %d", want, len(trail))
	}
	first := trail[0].(map[string]any)
	if first["strategy"] != "stored" || first["outcome"] != "status 404" {
		t.Fatalf("unexpected first attempt %v", first)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatal("error responses stay JSON")
	}
}

func TestDocumentStreamAbortsOnUpstreamFailure(t *testing.T) {
	upstream := storageUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 1000))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})
	svc, _ := streamingService(t, upstream, nil)
	api := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer api.Close()

	req, _ := http.NewRequest(http.MethodGet, api.URL+"/services/sr-1/documents/doc-a/file", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "admin-1", ""))
	resp, err := api.Client().Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("headers were already sent with 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("client must observe a broken transfer, read %d bytes cleanly", len(body))
	}
	if len(body) >= 100000 {
		t.Fatalf("unexpected full body")
	}
}

func TestRouteName(t *testing.T) {
	tests := map[string]string{
		"/services/sr-1/documents/doc-a/file": "/services/:id/documents/:documentId/file",
		"/services/bulk-delete":               "/services/bulk-delete",
		"/services/sr-9/review":               "/services/:id/review",
		"/health":                             "/health",
	}
	for path, want := range tests {
		if got := routeName(path); got != want {
			t.Fatalf("routeName(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", domainError(http.StatusBadRequest, "VALIDATION_ERROR", "bad", nil), 400, "VALIDATION_ERROR"},
		{"wrapped no rows", fmt.Errorf("find: %w", sql.ErrNoRows), 404, "NOT_FOUND"},
		{"token", auth.ErrExpiredToken, 401, "UNAUTHORIZED"},
		{"other", errors.New("boom"), 500, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}
