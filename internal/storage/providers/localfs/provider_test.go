package localfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestProvider_HostPath(t *testing.T) {
	t.Parallel()
	p := &Provider{root: "/srv/media"}

	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "ab/ab12cd.png", want: "/srv/media/ab/ab12cd.png"},
		{key: "ab/../cd/x.bin", want: "/srv/media/cd/x.bin"},
		{key: "/absolute/path", wantErr: true},
		{key: "../escape", wantErr: true},
		{key: "ab/../../escape", wantErr: true},
		{key: ".", wantErr: true},
		{key: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := p.hostPath(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("hostPath(%q) expected error", tt.key)
			}
			continue
		}
		if err != nil {
			t.Errorf("hostPath(%q) unexpected error: %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("hostPath(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProvider_AccessPath(t *testing.T) {
	t.Parallel()

	withBase := &Provider{root: "/srv/media", publicBaseURL: "https://cdn.example.com/media"}
	if got := withBase.AccessPath("ab/x.png"); got != "https://cdn.example.com/media/ab/x.png" {
		t.Fatalf("AccessPath = %q", got)
	}
	without := &Provider{root: "/srv/media"}
	if got := without.AccessPath("ab/x.png"); got != "" {
		t.Fatalf("expected empty access path, got %q", got)
	}
}

func TestProvider_PutOpenDelete(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	p, err := New(root, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	key := "ab/abcdef.txt"
	data := []byte("hello attachment")

	if err := p.Put(ctx, key, bytes.NewReader(data)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ab", "abcdef.txt")); err != nil {
		t.Fatalf("blob not written: %v", err)
	}

	rc, err := p.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: %q", got)
	}

	if err := p.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := p.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := p.Open(ctx, key); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}

func TestProvider_Ping(t *testing.T) {
	t.Parallel()
	p, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
