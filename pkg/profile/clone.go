package profile

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
)

// cloneExclusions are base-profile entries that carry live process state and
// must never be copied into another profile.
var cloneExclusions = []string{
	"Singleton*",
	lockFileName,
	tagFileName,
	"*.lock",
	"lockfile",
	"LOCK",
	"Crashpad",
	"*.tmp",
}

var excludeMatchers = mustCompileAll(cloneExclusions)

func mustCompileAll(patterns []string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, glob.MustCompile(p))
	}
	return out
}

func excluded(name string) bool {
	for _, g := range excludeMatchers {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// cloneTree copies src into dst, skipping excluded names at any depth and
// every symlink.
func cloneTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0700)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
