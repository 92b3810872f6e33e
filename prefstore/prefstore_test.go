package prefstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetAbsentKey(t *testing.T) {
	store := openTestStore(t)
	values, ok, err := store.GetStringList("nfc_logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || values != nil {
		t.Fatalf("expected absent key, got ok=%v values=%v", ok, values)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	want := []string{`{"timestamp":"2026-08-25T09:00:00Z"}`, `{"summary":"x"}`}
	if err := store.SetStringList("nfc_logs", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := store.GetStringList("nfc_logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected key present")
	}
	if len(got) != len(want) {
		t.Fatalf("got %d values", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("value %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSetReplacesWholeList(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetStringList("nfc_logs", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetStringList("nfc_logs", []string{"z"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, ok, err := store.GetStringList("nfc_logs")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0] != "z" {
		t.Fatalf("got %v", got)
	}
}

func TestEmptyListDistinctFromAbsent(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetStringList("nfc_logs", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := store.GetStringList("nfc_logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected key present after storing empty list")
	}
	if len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetStringList("nfc_logs", []string{"log"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetStringList("other", []string{"x", "y"}); err != nil {
		t.Fatalf("set other: %v", err)
	}
	got, ok, err := store.GetStringList("nfc_logs")
	if err != nil || !ok || len(got) != 1 || got[0] != "log" {
		t.Fatalf("nfc_logs = %v ok=%v err=%v", got, ok, err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.SetStringList("nfc_logs", []string{"survivor"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok, err := reopened.GetStringList("nfc_logs")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0] != "survivor" {
		t.Fatalf("got %v", got)
	}
}
