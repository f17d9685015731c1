package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corsairtrust/cpoe-core/pkg/adapter"
	"github.com/corsairtrust/cpoe-core/pkg/certification"
	"github.com/corsairtrust/cpoe-core/pkg/cpoe"
	"github.com/corsairtrust/cpoe-core/pkg/freshness"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/scitt"
	"github.com/corsairtrust/cpoe-core/pkg/ssfstream"
	"github.com/corsairtrust/cpoe-core/pkg/store"
	"github.com/corsairtrust/cpoe-core/pkg/verifier"
)

// loopbackTransport answers the verifier's DID resolution requests from
// the server's own mux, so issue-then-verify round trips need no network.
type loopbackTransport struct {
	handler http.Handler
}

func (t loopbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	keyStore := store.NewMemoryKeyStore()
	logStore := store.NewMemoryLogStore()
	keys := keymanager.New(keyStore, [32]byte{1, 2, 3})
	if _, err := keys.GenerateKeypair(context.Background()); err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	v := verifier.New([]string{"example.test"})
	srv := NewServer(Config{
		Domain:        "example.test",
		APIKeys:       []string{"secret-token"},
		PublicRateRPM: 1000,
		AuthRateRPM:   1000,
	}, Deps{
		Keys:       keys,
		Verifier:   v,
		Assembler:  cpoe.NewAssembler(keys),
		Registry:   scitt.New(logStore, keys, "did:web:example.test"),
		CertEngine: certification.New(certification.NewMemoryStore(), certification.NewMemoryPolicyStore(), nil),
		Streams:    ssfstream.New(ssfstream.NewMemoryStore()),
		Adapters:   adapter.NewRegistry(),
	})
	v.WithHTTPClient(&http.Client{Transport: loopbackTransport{handler: srv.Routes()}})
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestDIDDocumentAndJWKS(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/did.json", nil))
	if rec.Code != 200 {
		t.Fatalf("did.json status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("did:web:example.test")) {
		t.Fatalf("did document missing issuer did: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))
	if rec.Code != 200 {
		t.Fatalf("jwks.json status = %d", rec.Code)
	}
}

func TestIssueRequiresAuth(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest("POST", "/issue", bytes.NewBufferString(`{"evidence":{}}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401 without a bearer token", rec.Code)
	}
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	srv := testServer(t)

	body := `{"evidence":{"issuer":"Acme","scope":"prod","findings":[
		{"controlId":"C1","status":"pass"},
		{"controlId":"C2","status":"pass"},
		{"controlId":"C3","status":"fail"}
	]}}`
	req := httptest.NewRequest("POST", "/issue", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != 201 {
		t.Fatalf("issue status = %d body=%s", rec.Code, rec.Body.String())
	}

	var issueResp struct {
		CPOE string `json:"cpoe"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &issueResp); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}
	if issueResp.CPOE == "" {
		t.Fatal("issue response carried no cpoe")
	}

	verifyBody, _ := json.Marshal(map[string]string{"cpoe": issueResp.CPOE})
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest("POST", "/verify", bytes.NewReader(verifyBody)))
	if rec.Code != 200 {
		t.Fatalf("verify status = %d body=%s", rec.Code, rec.Body.String())
	}

	var verifyResp struct {
		Valid      bool   `json:"valid"`
		IssuerTier string `json:"issuerTier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verifyResp); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}
	if !verifyResp.Valid {
		t.Fatalf("expected valid=true, got response %s", rec.Body.String())
	}
	if verifyResp.IssuerTier != verifier.TierCorsairVerified {
		t.Fatalf("issuerTier = %q, want %q", verifyResp.IssuerTier, verifier.TierCorsairVerified)
	}
}

func TestFreshnessEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("POST", "/freshness", bytes.NewBufferString(`{"alertsActive":false}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != 201 {
		t.Fatalf("freshness status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Staple string `json:"staple"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode freshness response: %v", err)
	}

	active, err := srv.keys.LoadKeypair(context.Background())
	if err != nil || active == nil {
		t.Fatalf("LoadKeypair: %v", err)
	}
	result := freshness.Verify(resp.Staple, active.PublicKey)
	if !result.Valid || !result.Fresh {
		t.Fatalf("staple did not verify fresh: %+v", result)
	}
}

func TestSSFStreamLifecycle(t *testing.T) {
	srv := testServer(t)

	createBody := `{"aud":"https://receiver.example","endpointUrl":"https://receiver.example/set","eventsRequested":["https://schemas.corsairtrust.io/secevent/certification-status-changed"]}`
	req := httptest.NewRequest("POST", "/ssf/streams", bytes.NewBufferString(createBody))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != 201 {
		t.Fatalf("create stream status = %d body=%s", rec.Code, rec.Body.String())
	}

	var stream struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stream); err != nil {
		t.Fatalf("decode stream: %v", err)
	}

	rec = httptest.NewRecorder()
	getReq := httptest.NewRequest("GET", "/ssf/streams/"+stream.ID, nil)
	getReq.Header.Set("Authorization", "Bearer secret-token")
	srv.Routes().ServeHTTP(rec, getReq)
	if rec.Code != 200 {
		t.Fatalf("get stream status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	delReq := httptest.NewRequest("DELETE", "/ssf/streams/"+stream.ID, nil)
	delReq.Header.Set("Authorization", "Bearer secret-token")
	srv.Routes().ServeHTTP(rec, delReq)
	if rec.Code != 204 {
		t.Fatalf("delete stream status = %d", rec.Code)
	}
}
