package safety

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := SafeJoinUnder(root, "a/b/c.txt")
	if err != nil {
		t.Fatalf("SafeJoinUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}

	if _, err := SafeJoinUnder(root, "../escape.txt"); err == nil {
		t.Fatal("expected traversal path to fail")
	}
	if _, err := SafeJoinUnder(root, "/abs/path.txt"); err == nil {
		t.Fatal("expected absolute path to fail")
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
}

func TestCleanArchivePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"data/file.txt", "data/file.txt", false},
		{"./data//file.txt", "data/file.txt", false},
		{"data/../file.txt", "file.txt", false},
		{"../escape", "", true},
		{"/etc/passwd", "", true},
		{"", "", true},
		{".", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanArchivePath(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CleanArchivePath(%q) expected error, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanArchivePath(%q) returned error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("CleanArchivePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLocalFilePath(t *testing.T) {
	got, err := LocalFilePath("file:///tmp/bag/data/x.csv")
	if err != nil {
		t.Fatalf("LocalFilePath returned error: %v", err)
	}
	if got != "/tmp/bag/data/x.csv" {
		t.Fatalf("unexpected path: %q", got)
	}

	for _, bad := range []string{"https://example.org/x", "file://remote/x", "file://"} {
		if _, err := LocalFilePath(bad); err == nil {
			t.Errorf("LocalFilePath(%q) expected error", bad)
		}
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestValidateHTTPURL(t *testing.T) {
	if _, err := ValidateHTTPURL("https://zenodo.org/record/1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"ftp://example.org", "https://", "https://user:pw@example.org"} {
		if _, err := ValidateHTTPURL(bad); err == nil {
			t.Errorf("ValidateHTTPURL(%q) expected error", bad)
		}
	}
}
