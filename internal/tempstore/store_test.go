package tempstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocateAndRelease(t *testing.T) {
	store := New(t.TempDir())

	lease, err := store.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if fi, err := os.Stat(lease.Path()); err != nil || !fi.IsDir() {
		t.Fatalf("expected leased directory to exist, err=%v", err)
	}

	input := lease.Join("bundle.p12")
	if err := os.WriteFile(input, []byte("data"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	output := lease.Join("bundle_repass.p12")
	if err := os.WriteFile(output, []byte("data2"), 0o600); err != nil {
		t.Fatalf("write output: %v", err)
	}

	lease.Release()
	if _, err := os.Stat(lease.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed after release, err=%v", err)
	}
	if !lease.Released() {
		t.Fatalf("expected lease marked released")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	store := New(t.TempDir())
	lease, err := store.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	lease.Release()
	lease.Release() // must not panic or error on the second call
}

func TestReleaseSurvivesMissingFiles(t *testing.T) {
	store := New(t.TempDir())
	lease, err := store.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	path := lease.Join("gone.p12")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	lease.Release()
	if _, err := os.Stat(lease.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, err=%v", err)
	}
}

func TestJoinStripsDirectories(t *testing.T) {
	store := New(t.TempDir())
	lease, err := store.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer lease.Release()

	got := lease.Join("../../etc/passwd.p12")
	if filepath.Dir(got) != lease.Path() {
		t.Fatalf("join escaped the lease: %s", got)
	}
}

func TestAllocateDistinctDirs(t *testing.T) {
	store := New(t.TempDir())
	a, err := store.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer a.Release()
	b, err := store.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer b.Release()
	if a.Path() == b.Path() {
		t.Fatalf("expected distinct directories, both %s", a.Path())
	}
}
