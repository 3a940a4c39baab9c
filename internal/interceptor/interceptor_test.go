package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/internal/flowstore"
	"github.com/R3E-Network/interceptorhub/internal/mockengine"
	"github.com/R3E-Network/interceptorhub/internal/policymode"
	"github.com/R3E-Network/interceptorhub/internal/rulestore"
)

func testFlow(id string) *flow.Flow {
	return &flow.Flow{
		ID:      id,
		Request: flow.Request{Method: "GET", URL: "https://x/y", Headers: flow.Headers{}},
		Response: &flow.Response{StatusCode: 200, Headers: flow.Headers{}, Body: []byte("ok")},
	}
}

func newTestInterceptor(t *testing.T) (*Interceptor, *flowstore.Store, *rulestore.Store) {
	t.Helper()
	fs := flowstore.New(flowstore.DefaultConfig(), nil)
	rs := rulestore.New(rulestore.DefaultConfig(), nil, nil)
	eng := mockengine.New(rs, nil)
	return New("A", fs, rs, eng, 200*time.Millisecond, nil), fs, rs
}

// S2 from spec.md §8: Record mode stores the flow and replies with the
// original-sentinel.
func TestRecordModeStoresFlowAndRepliesOriginal(t *testing.T) {
	i, fs, _ := newTestInterceptor(t)

	resp := i.HandleFlow(context.Background(), testFlow("f1"), policymode.Record)
	if !resp.IsOriginal() {
		t.Errorf("expected original-sentinel, got %+v", resp)
	}
	all := fs.All()
	if len(all) != 1 || all[0].ID != "f1" {
		t.Fatalf("expected flow recorded, got %+v", all)
	}
}

// S4 from spec.md §8: Mock mode with a match synthesises the rule's
// response and records mock_applied.
func TestMockModeAppliesMatchingRule(t *testing.T) {
	i, fs, rs := newTestInterceptor(t)
	c, _ := rs.AddCollection(context.Background(), rulestore.Collection{Name: "C", Enabled: true})
	rs.AddRule(context.Background(), rulestore.Rule{
		Name: "R", CollectionID: c.ID, Enabled: true, Method: "GET", Host: "x", Path: "/y",
		Response: rulestore.RuleResponse{StatusCode: 201, Headers: map[string]string{"content-type": "application/json"}, Body: []byte(`{"mocked":true}`)},
	})

	resp := i.HandleFlow(context.Background(), testFlow("f1"), policymode.Mock)
	if resp.StatusCode == nil || *resp.StatusCode != 201 {
		t.Fatalf("expected mocked status 201, got %+v", resp)
	}

	all := fs.All()
	if len(all) != 1 || !all[0].MockApplied || all[0].MockRuleName != "R" {
		t.Fatalf("expected mock_applied flow, got %+v", all[0])
	}
}

func TestMockModeOnMissRepliesOriginal(t *testing.T) {
	i, fs, _ := newTestInterceptor(t)

	resp := i.HandleFlow(context.Background(), testFlow("f1"), policymode.Mock)
	if !resp.IsOriginal() {
		t.Errorf("expected original-sentinel on miss, got %+v", resp)
	}
	if fs.All()[0].MockApplied {
		t.Error("expected mock_applied false on miss")
	}
}

// S5 from spec.md §8: Debug mode suspends until resolve, then re-records
// with modified=true since the resolution differs from the original.
func TestDebugModeSuspendsUntilResolveThenRecordsModified(t *testing.T) {
	i, fs, _ := newTestInterceptor(t)

	status := 500
	body := "err"
	headers := flow.Headers{}
	want := flow.ModifiedResponse{StatusCode: &status, Headers: &headers, Body: &body}

	resultCh := make(chan flow.ModifiedResponse, 1)
	go func() {
		resultCh <- i.HandleFlow(context.Background(), testFlow("f2"), policymode.Debug)
	}()

	// Give HandleFlow time to enqueue before resolving.
	time.Sleep(20 * time.Millisecond)
	if !i.Resolve("f2", want) {
		t.Fatal("expected Resolve to find a pending request for f2")
	}

	select {
	case got := <-resultCh:
		if !got.Equal(want) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for HandleFlow")
	}

	all := fs.All()
	if len(all) != 1 || !all[0].Modified || all[0].Paused {
		t.Errorf("expected re-recorded modified, unpaused flow, got %+v", all[0])
	}
}

// S6 from spec.md §8: an unresolved Debug request times out with the
// original-sentinel.
func TestDebugModeTimesOutWithOriginal(t *testing.T) {
	i, _, _ := newTestInterceptor(t)

	resp := i.HandleFlow(context.Background(), testFlow("f3"), policymode.Debug)
	if !resp.IsOriginal() {
		t.Errorf("expected original-sentinel on timeout, got %+v", resp)
	}
}

func TestMockDebugModeSuspendsWithSynthesisedPresentValue(t *testing.T) {
	i, fs, rs := newTestInterceptor(t)
	c, _ := rs.AddCollection(context.Background(), rulestore.Collection{Name: "C", Enabled: true})
	rs.AddRule(context.Background(), rulestore.Rule{
		Name: "R", CollectionID: c.ID, Enabled: true, Method: "GET", Host: "x", Path: "/y",
		Response: rulestore.RuleResponse{StatusCode: 201, Headers: map[string]string{}, Body: []byte(`mocked`)},
	})

	// Accepting the mocked value unmodified: resolve with exactly the
	// mock-synthesised response, so no re-record should occur.
	resultCh := make(chan flow.ModifiedResponse, 1)
	go func() {
		resultCh <- i.HandleFlow(context.Background(), testFlow("f4"), policymode.MockDebug)
	}()
	time.Sleep(20 * time.Millisecond)

	status := 201
	body := "mocked"
	headers := flow.Headers{}
	i.Resolve("f4", flow.ModifiedResponse{StatusCode: &status, Headers: &headers, Body: &body})

	<-resultCh
	all := fs.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(all))
	}
	if all[0].Modified {
		t.Error("expected no re-record when the resolution matches the present mocked value")
	}
	if !all[0].MockApplied {
		t.Error("expected mock_applied true even in MockDebug mode")
	}
}

func TestCloseCancelsOutstandingDebugAwaits(t *testing.T) {
	i, _, _ := newTestInterceptor(t)

	resultCh := make(chan flow.ModifiedResponse, 1)
	go func() {
		resultCh <- i.HandleFlow(context.Background(), testFlow("f5"), policymode.Debug)
	}()
	time.Sleep(20 * time.Millisecond)

	i.Close()

	select {
	case resp := <-resultCh:
		if !resp.IsOriginal() {
			t.Errorf("expected original-sentinel after Close, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for HandleFlow to unblock after Close")
	}
}
