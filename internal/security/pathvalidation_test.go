package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateRelativePath(t *testing.T) {
	tests := []struct {
		rel       string
		wantError bool
	}{
		{"models", false},
		{"partioningPyramid.json", false},
		{"state/snapshots/pyramid.json", false},
		{"a/../b", false},
		{"./models", false},
		{"", true},
		{".", true},
		{"a/..", true},
		{"..", true},
		{"../models", true},
		{"a/../../b", true},
		{"/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			err := ValidateRelativePath(tt.rel)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateRelativePath(%q) error = %v, wantError %v", tt.rel, err, tt.wantError)
			}
		})
	}
}

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "repo")
	unsafeDir := filepath.Join(tmpDir, "elsewhere")
	if err := os.MkdirAll(filepath.Join(safeDir, "models"), 0755); err != nil {
		t.Fatalf("Failed to create safe directory: %v", err)
	}
	if err := os.MkdirAll(unsafeDir, 0755); err != nil {
		t.Fatalf("Failed to create unsafe directory: %v", err)
	}
	// A symlink inside the repository pointing out of it.
	if err := os.Symlink(unsafeDir, filepath.Join(safeDir, "evil-symlink")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"existing dir", filepath.Join(safeDir, "models"), false},
		{"new nested path", filepath.Join(safeDir, "models", "2_3", "weights.bin"), false},
		{"dot dot", filepath.Join(safeDir, "..", "elsewhere"), true},
		{"sibling", filepath.Join(unsafeDir, "x"), true},
		{"through symlink", filepath.Join(safeDir, "evil-symlink", "x"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
		})
	}
}
