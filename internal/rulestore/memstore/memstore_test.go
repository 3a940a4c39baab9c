package memstore

import (
	"context"
	"testing"

	"github.com/R3E-Network/interceptorhub/internal/rulestore"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	repo := New()
	ctx := context.Background()

	if err := repo.SaveCollection(ctx, rulestore.Collection{ID: "c1", Name: "C", Enabled: true}); err != nil {
		t.Fatalf("SaveCollection: %v", err)
	}
	if err := repo.SaveRule(ctx, rulestore.Rule{ID: "r1", Name: "R", CollectionID: "c1", Method: "GET", Host: "x"}); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	rules, collections, err := repo.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "r1" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if len(collections) != 1 || collections[0].ID != "c1" {
		t.Fatalf("unexpected collections: %+v", collections)
	}
}

func TestDeleteRemovesFromSubsequentLoad(t *testing.T) {
	repo := New()
	ctx := context.Background()
	repo.SaveRule(ctx, rulestore.Rule{ID: "r1", Name: "R", CollectionID: "c1"})

	if err := repo.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}

	rules, _, _ := repo.LoadAll(ctx)
	if len(rules) != 0 {
		t.Fatalf("expected rule deleted, got %+v", rules)
	}
}

func TestDeleteUnknownIsNoOp(t *testing.T) {
	repo := New()
	if err := repo.DeleteRule(context.Background(), "missing"); err != nil {
		t.Fatalf("expected no-op delete to succeed, got %v", err)
	}
}
