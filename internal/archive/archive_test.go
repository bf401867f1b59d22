package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"payroll-settlement/internal/config"
)

func TestLocalUploaderWritesReceipt(t *testing.T) {
	dir := t.TempDir()
	up, err := New(context.Background(), config.Config{ArchiveDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := up.(*LocalUploader); !ok {
		t.Fatalf("expected local uploader without a bucket, got %T", up)
	}

	key := ReceiptKey(1, "B1")
	if key != "disbursements/1/B1.json" {
		t.Fatalf("key = %q", key)
	}
	path, err := up.Upload(context.Background(), key, []byte(`{"ok":true}`), "application/json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if path != filepath.Join(dir, "disbursements", "1", "B1.json") {
		t.Fatalf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != `{"ok":true}` {
		t.Fatalf("read back: %q %v", data, err)
	}
}

func TestSanitizeKeyStaysInsideBase(t *testing.T) {
	for in, want := range map[string]string{
		"/abs/key.json":    "abs/key.json",
		"../../etc/passwd": "etc/passwd",
		"./a/b":            "a/b",
		"a/../../b":        "b",
	} {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
