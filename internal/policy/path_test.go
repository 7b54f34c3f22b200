package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePath_Rejections(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"absolute", "/etc/passwd"},
		{"absolute backslash", `\windows\system32`},
		{"windows drive", `C:\Users\victim`},
		{"windows drive forward", "c:/users"},
		{"parent traversal", "../../etc/passwd"},
		{"embedded traversal", "code/../../escape.txt"},
		{"backslash traversal", `code\..\..\escape.txt`},
		{"dot only", "."},
		{"nul byte", "a\x00b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ValidatePath(tc.path); err == nil {
				t.Errorf("ValidatePath(%q) accepted, want rejection", tc.path)
			} else if !errors.Is(err, ErrValidation) {
				t.Errorf("error %v is not ErrValidation", err)
			}
		})
	}
}

func TestValidatePath_Accepted(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"code/main.go", "code/main.go"},
		{"./code/main.go", "code/main.go"},
		{"data/a/b/c.json", "data/a/b/c.json"},
		{"output/result.txt", "output/result.txt"},
		{"code//double.go", "code/double.go"},
		{"code/./inner.py", "code/inner.py"},
	}
	for _, tc := range tests {
		got, err := ValidatePath(tc.path)
		if err != nil {
			t.Errorf("ValidatePath(%q): %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ValidatePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestValidateExtension(t *testing.T) {
	accepted := []string{
		"main.go", "script.py", "app.js", "config.yaml", "notes.md",
		"Makefile", "makefile", "Dockerfile", "README", "LICENSE",
		"schema.sql", "go.mod", "module.wasm", ".gitignore", ".env",
	}
	for _, p := range accepted {
		if err := ValidateExtension(p); err != nil {
			t.Errorf("ValidateExtension(%q): %v", p, err)
		}
	}

	rejected := []string{
		"a.unknownext", "binary.exe", "lib.so", "image.bin",
		"noextension", "payload.dll", "Rakefile", "Procfile",
	}
	for _, p := range rejected {
		if err := ValidateExtension(p); err == nil {
			t.Errorf("ValidateExtension(%q) accepted, want rejection", p)
		}
	}
}

func TestValidateDeletable(t *testing.T) {
	for _, p := range []string{"code", "output", "data", "./code"} {
		if err := ValidateDeletable(p); err == nil {
			t.Errorf("ValidateDeletable(%q) accepted skeleton dir", p)
		}
	}
	if err := ValidateDeletable("code/main.go"); err != nil {
		t.Errorf("ValidateDeletable(code/main.go): %v", err)
	}
}

func TestWithinRoot(t *testing.T) {
	root := "/srv/ngome/default/workspaces/ws1/sandbox"

	if err := WithinRoot(root, root+"/code/a.go"); err != nil {
		t.Errorf("descendant rejected: %v", err)
	}
	if err := WithinRoot(root, root); err == nil {
		t.Error("root itself accepted")
	}
	if err := WithinRoot(root, "/srv/ngome/default/workspaces/ws1/sandboxevil/x"); err == nil {
		t.Error("sibling prefix accepted")
	}
	if err := WithinRoot(root, "/etc/passwd"); err == nil {
		t.Error("unrelated path accepted")
	}
}

func TestResolveWithinRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "code"), 0750); err != nil {
		t.Fatal(err)
	}

	t.Run("existing file", func(t *testing.T) {
		p := filepath.Join(root, "code", "a.go")
		if err := os.WriteFile(p, []byte("package a\n"), 0640); err != nil {
			t.Fatal(err)
		}
		if _, err := ResolveWithinRoot(root, p); err != nil {
			t.Errorf("existing file rejected: %v", err)
		}
	})

	t.Run("not yet created path", func(t *testing.T) {
		p := filepath.Join(root, "code", "deep", "nested", "b.go")
		resolved, err := ResolveWithinRoot(root, p)
		if err != nil {
			t.Fatalf("missing descendant rejected: %v", err)
		}
		if !strings.HasPrefix(resolved, root) {
			t.Errorf("resolved %q escapes root %q", resolved, root)
		}
	})

	t.Run("symlink escape", func(t *testing.T) {
		outside := t.TempDir()
		if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0640); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(outside, filepath.Join(root, "code", "esc")); err != nil {
			t.Fatal(err)
		}
		for _, p := range []string{
			filepath.Join(root, "code", "esc"),
			filepath.Join(root, "code", "esc", "secret.txt"),
			filepath.Join(root, "code", "esc", "new.txt"),
		} {
			if _, err := ResolveWithinRoot(root, p); !errors.Is(err, ErrValidation) {
				t.Errorf("ResolveWithinRoot(%q) = %v, want ErrValidation", p, err)
			}
		}
	})

	t.Run("dangling symlink", func(t *testing.T) {
		if err := os.Symlink("/nonexistent/target", filepath.Join(root, "code", "dangling")); err != nil {
			t.Fatal(err)
		}
		if _, err := ResolveWithinRoot(root, filepath.Join(root, "code", "dangling")); !errors.Is(err, ErrValidation) {
			t.Errorf("dangling symlink = %v, want ErrValidation", err)
		}
	})

	t.Run("internal symlink stays contained", func(t *testing.T) {
		if err := os.Symlink(filepath.Join(root, "code"), filepath.Join(root, "alias")); err != nil {
			t.Fatal(err)
		}
		resolved, err := ResolveWithinRoot(root, filepath.Join(root, "alias", "a.go"))
		if err != nil {
			t.Fatalf("contained symlink rejected: %v", err)
		}
		real, err := filepath.EvalSymlinks(filepath.Join(root, "code", "a.go"))
		if err != nil {
			t.Fatal(err)
		}
		if resolved != real {
			t.Errorf("resolved = %q, want %q", resolved, real)
		}
	})
}

func TestValidateWorkspaceID(t *testing.T) {
	for _, id := range []string{"ws1", "tenant-42", "A_b-c", "0abc"} {
		if err := ValidateWorkspaceID(id); err != nil {
			t.Errorf("ValidateWorkspaceID(%q): %v", id, err)
		}
	}
	for _, id := range []string{"", "../ws", "a/b", "a b", "-leading", ".hidden", "x\x00y"} {
		if err := ValidateWorkspaceID(id); err == nil {
			t.Errorf("ValidateWorkspaceID(%q) accepted, want rejection", id)
		}
	}
}
