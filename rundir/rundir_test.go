package rundir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kansei-svc/kanseid/service"
)

func TestWriteCreatesServiceFile(t *testing.T) {
	root := t.TempDir()
	m, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	script := &service.Script{Prefix: service.PrefixBash, Execute: "echo hi"}
	if err := m.Write("web", script); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "web", "service"))
	if err != nil {
		t.Fatalf("reading written service file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty service file")
	}
}

func TestRemoveDeletesServiceDir(t *testing.T) {
	root := t.TempDir()
	m, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Write("web", &service.Script{Prefix: service.PrefixBash, Execute: "true"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Remove("web"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "web")); !os.IsNotExist(err) {
		t.Fatalf("expected service directory to be gone, stat err = %v", err)
	}
}
