package borg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/borgitory/borgitory/proc"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{name: "standard output", output: "borg 1.2.8", want: "1.2.8"},
		{name: "trailing newline", output: "borg 1.4.0\n", want: "1.4.0"},
		{name: "bare version", output: "1.1.17", want: "1.1.17"},
		{name: "empty", output: "", wantErr: true},
		{name: "garbage", output: "borg not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVersion(tt.output)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", v)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.String() != tt.want {
				t.Errorf("got %q, want %q", v.String(), tt.want)
			}
		})
	}
}

func TestVersionConstraints(t *testing.T) {
	v, err := ParseVersion("borg 1.2.8")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ok, err := v.Check(">= 1.2.0")
	if err != nil || !ok {
		t.Errorf("1.2.8 should satisfy >= 1.2.0 (ok=%v err=%v)", ok, err)
	}
	ok, err = v.Check(">= 2.0.0")
	if err != nil || ok {
		t.Errorf("1.2.8 must not satisfy >= 2.0.0 (ok=%v err=%v)", ok, err)
	}
	if _, err := v.Check("not a constraint"); err == nil {
		t.Error("invalid constraint should error")
	}

	if !v.AtLeast(">= 1.1.0") {
		t.Error("AtLeast >= 1.1.0 should hold")
	}
	if v.AtLeast("garbage") {
		t.Error("AtLeast must be false on unparseable constraints")
	}
}

func TestEnsureSupported(t *testing.T) {
	c := NewClient("borg", false, nil)

	if err := c.EnsureSupported(""); err != nil {
		t.Errorf("empty constraint should pass without detection: %v", err)
	}
	if err := c.EnsureSupported(">= 1.2.0"); err == nil {
		t.Error("constraint before detection should fail")
	}

	v, err := ParseVersion("borg 1.2.8")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c.version = v

	if err := c.EnsureSupported(">= 1.2.0"); err != nil {
		t.Errorf("1.2.8 should satisfy >= 1.2.0: %v", err)
	}
	if err := c.EnsureSupported(">= 2.0.0"); err == nil {
		t.Error("1.2.8 must not satisfy >= 2.0.0")
	}
}

func TestDetectVersion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}

	dir := t.TempDir()
	fake := filepath.Join(dir, "borg")
	script := "#!/bin/sh\necho 'borg 1.2.8'\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	c := NewClient(fake, false, nil)
	ex := proc.NewExecutor(nil)

	v, err := c.DetectVersion(context.Background(), ex)
	if err != nil {
		t.Fatalf("DetectVersion: %v", err)
	}
	if v.String() != "1.2.8" {
		t.Errorf("got %q, want 1.2.8", v.String())
	}
	if !c.supportsGlobArchives() {
		t.Error("1.2.8 supports --glob-archives")
	}
}

func TestDetectVersionMissingBinary(t *testing.T) {
	c := NewClient("/nonexistent/borg-binary", false, nil)
	ex := proc.NewExecutor(nil)

	if _, err := c.DetectVersion(context.Background(), ex); err == nil {
		t.Error("expected error for a missing binary")
	}
}
