package diskspace

import (
	"math"
	"path/filepath"
	"testing"
)

func TestFree(t *testing.T) {
	free, err := Free(t.TempDir())
	if err != nil {
		t.Fatalf("Free: %v", err)
	}
	if free == 0 {
		t.Error("expected some free space in the temp dir")
	}
	if _, err := Free(filepath.Join(t.TempDir(), "missing", "dir")); err == nil {
		t.Error("expected error for a missing path")
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	if _, ok := Check(dir, 0); !ok {
		t.Error("no minimum should always pass")
	}
	if _, ok := Check(dir, math.MaxUint64); ok {
		t.Error("impossible minimum should warn")
	}
}
