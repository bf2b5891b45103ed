// Package testutil provides common test utilities and helpers for CoursePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/api"
	"github.com/BTreeMap/CoursePipe/internal/engine"
	"github.com/BTreeMap/CoursePipe/internal/handler"
	"github.com/BTreeMap/CoursePipe/internal/models"
	"github.com/BTreeMap/CoursePipe/internal/scenario"
	"github.com/BTreeMap/CoursePipe/internal/store"
)

// TestEnv is a fully wired server over in-memory dependencies.
type TestEnv struct {
	Server *api.Server
	Engine *engine.Engine
	Store  *store.InMemoryStore
	Loader *scenario.Loader
}

// NewTestEnv creates a test API server with in-memory dependencies. gen may be nil, in
// which case LLM blocks report that the service is not configured.
func NewTestEnv(t *testing.T, gen handler.Generator, opts ...api.Option) *TestEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	loader := scenario.NewLoader(st)
	reg, err := handler.NewDefaultRegistry(gen, st)
	if err != nil {
		t.Fatalf("failed to build handler registry: %v", err)
	}
	eng := engine.New(loader, st, reg)
	opts = append([]api.Option{api.WithScenarioStore(st, loader)}, opts...)
	return &TestEnv{
		Server: api.NewServer(eng, opts...),
		Engine: eng,
		Store:  st,
		Loader: loader,
	}
}

// SeedScenario stores a scenario document for a new course and returns its id.
func (env *TestEnv) SeedScenario(t *testing.T, doc string) uuid.UUID {
	t.Helper()
	courseID := uuid.New()
	if _, err := scenario.Parse([]byte(doc)); err != nil {
		t.Fatalf("seed scenario is invalid: %v", err)
	}
	if err := env.Store.SaveScenario(context.Background(), courseID, []byte(doc)); err != nil {
		t.Fatalf("failed to seed scenario: %v", err)
	}
	return courseID
}

// Do serves req and returns the recorded response.
func (env *TestEnv) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.Server.ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult decodes the result field of a successful envelope into target.
func DecodeResult(t testing.TB, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if envelope.Status != string(models.APIStatusOK) {
		t.Fatalf("expected ok envelope, got %q: %s", envelope.Status, envelope.Message)
	}
	if err := json.Unmarshal(envelope.Result, target); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// UserRequest creates a request authenticated through the X-User-ID header.
func UserRequest(t testing.TB, userID uuid.UUID, method, url string, body interface{}) *http.Request {
	t.Helper()
	req := CreateHTTPRequest(t, method, url, body)
	req.Header.Set(api.HeaderUserID, userID.String())
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
