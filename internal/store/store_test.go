package store

import (
	"path/filepath"
	"testing"
)

type testDoc struct {
	Base  string            `json:"base"`
	Rates map[string]string `json:"rates"`
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	doc := testDoc{
		Base:  "EUR",
		Rates: map[string]string{"USD": "0.9", "GBP": "1.15"},
	}
	if err := s.Save("rates", doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var loaded testDoc
	ok, err := s.Load("rates", &loaded)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("Load reported the document missing")
	}
	if loaded.Base != "EUR" {
		t.Errorf("Base = %q, want EUR", loaded.Base)
	}
	if loaded.Rates["USD"] != "0.9" {
		t.Errorf("Rates[USD] = %q, want 0.9", loaded.Rates["USD"])
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var doc testDoc
	ok, err := s.Load("nonexistent", &doc)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for missing document, got %+v", doc)
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_ = s.Save("doc", testDoc{Base: "EUR"})
	_ = s.Save("doc", testDoc{Base: "USD"})

	var loaded testDoc
	if _, err := s.Load("doc", &loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Base != "USD" {
		t.Errorf("Base = %q, want USD (latest save)", loaded.Base)
	}
}

func TestOpenCreatesNestedDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "a", "b")
	if _, err := Open(dir); err != nil {
		t.Fatalf("Open: %v", err)
	}
}
