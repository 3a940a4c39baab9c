package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/flowstore"
	"github.com/R3E-Network/interceptorhub/internal/interceptor"
	"github.com/R3E-Network/interceptorhub/internal/mockengine"
	"github.com/R3E-Network/interceptorhub/internal/router"
	"github.com/R3E-Network/interceptorhub/internal/rulestore"
)

func newTestServer(t *testing.T) (*httptest.Server, *router.Router) {
	t.Helper()
	r := router.New()
	factory := func(projectID, name string) (ProjectStores, error) {
		fs := flowstore.New(flowstore.DefaultConfig(), nil)
		rs := rulestore.New(rulestore.DefaultConfig(), nil, nil)
		eng := mockengine.New(rs, nil)
		return interceptor.New(projectID, fs, rs, eng, 200*time.Millisecond, nil), nil
	}
	s := New(DefaultConfig(), r, factory, nil, nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, r
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterProjectThenAppearsInList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "A", Name: "Project A"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	listResp := doJSON(t, http.MethodGet, srv.URL+"/projects", nil)
	var projects []map[string]interface{}
	if err := json.NewDecoder(listResp.Body).Decode(&projects); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(projects) != 1 || projects[0]["project_id"] != "A" {
		t.Fatalf("unexpected project list: %+v", projects)
	}
}

func TestUnregisterProjectRemovesIt(t *testing.T) {
	srv, r := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "A", Name: "Project A"})

	resp := doJSON(t, http.MethodDelete, srv.URL+"/projects/A", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if r.Count() != 0 {
		t.Fatalf("expected router to have 0 registrations, got %d", r.Count())
	}
}

func TestSetModeUpdatesRegistration(t *testing.T) {
	srv, r := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "A", Name: "Project A"})

	resp := doJSON(t, http.MethodPost, srv.URL+"/projects/A/mode", setModeRequest{Mode: "debug"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	reg, ok := r.Get("A")
	if !ok || reg.Mode.String() != "debug" {
		t.Fatalf("expected mode=debug, got %+v (ok=%v)", reg, ok)
	}
}

func TestSetModeOnUnknownProjectReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/projects/missing/mode", setModeRequest{Mode: "record"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAddCollectionAndRuleThenListRules(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "A", Name: "Project A"})

	collResp := doJSON(t, http.MethodPost, srv.URL+"/projects/A/collections", rulestore.Collection{Name: "c1", Enabled: true})
	var coll rulestore.Collection
	if err := json.NewDecoder(collResp.Body).Decode(&coll); err != nil {
		t.Fatalf("decode collection: %v", err)
	}

	rule := rulestore.Rule{
		Name:         "r1",
		Enabled:      true,
		CollectionID: coll.ID,
		Method:       "GET",
		Host:         "api.x",
		Path:         "/v1/u",
		Response:     rulestore.RuleResponse{StatusCode: 201, Headers: map[string]string{"content-type": "application/json"}, Body: []byte(`{"mocked":true}`)},
	}
	ruleResp := doJSON(t, http.MethodPost, srv.URL+"/projects/A/rules", rule)
	if ruleResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", ruleResp.StatusCode)
	}

	listResp := doJSON(t, http.MethodGet, srv.URL+"/projects/A/rules", nil)
	var rules []rulestore.Rule
	if err := json.NewDecoder(listResp.Body).Decode(&rules); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "r1" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestMockMatchHitAndMiss(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "A", Name: "Project A"})
	doJSON(t, http.MethodPost, srv.URL+"/projects/A/collections", rulestore.Collection{Name: "c1", Enabled: true})

	collListResp := doJSON(t, http.MethodGet, srv.URL+"/projects/A/collections", nil)
	var colls []rulestore.Collection
	json.NewDecoder(collListResp.Body).Decode(&colls)

	doJSON(t, http.MethodPost, srv.URL+"/projects/A/rules", rulestore.Rule{
		Name: "r1", Enabled: true, CollectionID: colls[0].ID,
		Method: "GET", Host: "api.x", Path: "/v1/u",
		Response: rulestore.RuleResponse{StatusCode: 201, Body: []byte("ok")},
	})

	hit := doJSON(t, http.MethodGet, srv.URL+"/projects/A/mock-match?method=GET&host=api.x&path=/v1/u", nil)
	if hit.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on match, got %d", hit.StatusCode)
	}

	miss := doJSON(t, http.MethodGet, srv.URL+"/projects/A/mock-match?method=GET&host=api.x&path=/no/such/path", nil)
	if miss.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on miss, got %d", miss.StatusCode)
	}
}

func TestMostRecentActiveReflectsLatestRegistration(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "A", Name: "Project A"})
	doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "B", Name: "Project B"})

	resp := doJSON(t, http.MethodGet, srv.URL+"/projects/most-recent-active", nil)
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["project_id"] != "B" {
		t.Fatalf("expected most-recently-active to be B, got %q", body["project_id"])
	}
}

func TestExportFlowsReturnsStoredFlows(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/projects", registerRequest{ProjectID: "A", Name: "Project A"})

	resp := doJSON(t, http.MethodGet, srv.URL+"/projects/A/flows/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd == "" {
		t.Error("expected a Content-Disposition header on the export response")
	}
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
