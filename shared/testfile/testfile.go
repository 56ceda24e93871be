// Package testfile places generated tests next to the code they cover.
package testfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const Ext = ".java"

// Target describes where a generated test goes.
type Target struct {
	SourcePath    string // path of the class under test
	PackageName   string
	TestClassName string
}

// Root returns the test source root matching sourcePath:
//
//	src/main/<lang>/...  -> src/test/<lang>
//	src/test/<lang>/...  -> unchanged
//	<dir>/src/...        -> <dir>/test
//
// and the file's own directory when none of those apply.
func Root(sourcePath string) string {
	dir := filepath.Dir(filepath.Clean(sourcePath))
	parts := strings.Split(filepath.ToSlash(dir), "/")

	for i := len(parts) - 1; i >= 1; i-- {
		if parts[i-1] != "src" {
			continue
		}
		switch parts[i] {
		case "main":
			root := append(append([]string{}, parts[:i]...), "test")
			if i+1 < len(parts) {
				root = append(root, parts[i+1])
			}
			return fromSlash(root)
		case "test":
			root := parts[:i+1]
			if i+1 < len(parts) {
				root = parts[:i+2]
			}
			return fromSlash(root)
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "src" {
			return fromSlash(append(append([]string{}, parts[:i]...), "test"))
		}
	}
	return dir
}

// Path is the file a Target is written to.
func Path(t Target) string {
	dir := Root(t.SourcePath)
	if t.PackageName != "" {
		dir = filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(t.PackageName, ".", "/")))
	}
	return filepath.Join(dir, t.TestClassName+Ext)
}

// Content prepends the package declaration to generated code.
func Content(packageName, code string) string {
	if packageName == "" {
		return code
	}
	return "package " + packageName + ";\n\n" + code
}

// Exists reports whether the test for t has already been written.
func Exists(t Target) bool {
	_, err := os.Stat(Path(t))
	return err == nil
}

// Write creates the test file with its package header. An existing file
// is never overwritten; its path comes back with created=false.
func Write(t Target, code string) (path string, created bool, err error) {
	if t.TestClassName == "" {
		return "", false, errors.New("test class name is required")
	}
	path = Path(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("create test directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return path, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(Content(t.PackageName, code)); err != nil {
		f.Close()
		return "", false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("close %s: %w", path, err)
	}
	return path, true, nil
}

func fromSlash(parts []string) string {
	p := strings.Join(parts, "/")
	if p == "" {
		return "/"
	}
	return filepath.FromSlash(p)
}
