package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/api"
	"github.com/BTreeMap/CoursePipe/internal/models"
)

func TestNewTestEnv(t *testing.T) {
	env := NewTestEnv(t, nil)
	if env.Server == nil || env.Engine == nil || env.Store == nil || env.Loader == nil {
		t.Fatalf("NewTestEnv returned incomplete env %+v", env)
	}

	rr := env.Do(CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	AssertJSONResponse(t, rr, "ok")
}

func TestSeedScenario(t *testing.T) {
	env := NewTestEnv(t, nil)
	courseID := env.SeedScenario(t, `{"sessions":{"s":{"blocks":[{"id":"a","type":"STATIC"}]}}}`)

	sc, err := env.Loader.Load(t.Context(), courseID)
	if err != nil || sc == nil {
		t.Fatalf("expected seeded scenario to load, got %v %v", sc, err)
	}
}

func TestUserRequest(t *testing.T) {
	id := uuid.New()
	req := UserRequest(t, id, http.MethodPost, "/x", map[string]string{"a": "b"})
	if req.Header.Get(api.HeaderUserID) != id.String() {
		t.Errorf("expected user header %s, got %q", id, req.Header.Get(api.HeaderUserID))
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
}

func TestDecodeResult(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.Write(MustMarshalJSON(t, models.Success(map[string]int{"n": 3})))

	var got map[string]int
	DecodeResult(t, rr, &got)
	if got["n"] != 3 {
		t.Errorf("expected n=3, got %v", got)
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	MustUnmarshalJSON(t, []byte(`{"name":"Ann"}`), &v)
	if v.Name != "Ann" {
		t.Errorf("expected Ann, got %q", v.Name)
	}
}
