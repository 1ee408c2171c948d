// Package artifacts reads files a worker produced under its output root.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fentz26/conductor/internal/store"
)

// ErrNotRegular is returned when a captured path is not a regular file.
var ErrNotRegular = errors.New("not a regular file")

// Config controls capture.
type Config struct {
	// MaxContentBytes caps stored content; larger files keep only metadata.
	MaxContentBytes int64 `yaml:"max_content_bytes"`
	// Ignore lists glob patterns matched against each path segment and the
	// whole relative path.
	Ignore []string `yaml:"ignore"`
}

// DefaultConfig returns the default capture settings.
func DefaultConfig() Config {
	return Config{
		MaxContentBytes: 256 * 1024,
		Ignore:          []string{".git", "__pycache__", "node_modules", "*.pyc", ".DS_Store", "work_packages.json"},
	}
}

// Captured is one file read from the output root.
type Captured struct {
	Path     string
	Content  string
	Size     int64
	Language string
	Checksum string
}

// Relativize turns a path reported by the worker into a clean path relative
// to root. Absolute paths must lie inside root.
func Relativize(root, p string) (string, error) {
	p = strings.TrimSpace(p)
	if filepath.IsAbs(p) {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolve root: %w", err)
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s is outside %s", store.ErrInvalidPath, p, root)
		}
		p = rel
	}
	return store.CleanPath(p)
}

// Capture reads rel under root. The read goes through an os.Root so that
// symlinks cannot lead outside the output directory.
func Capture(root, rel string, maxContent int64) (*Captured, error) {
	clean, err := Relativize(root, rel)
	if err != nil {
		return nil, err
	}

	r, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open output root: %w", err)
	}
	defer r.Close()

	f, err := r.Open(filepath.FromSlash(clean))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", clean, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, clean)
	}

	h := sha256.New()
	var content strings.Builder
	var w io.Writer = h
	keep := maxContent > 0 && info.Size() <= maxContent
	if keep {
		w = io.MultiWriter(h, &content)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}

	c := &Captured{
		Path:     clean,
		Size:     n,
		Language: Language(clean),
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}
	if keep && n <= maxContent && utf8.ValidString(content.String()) {
		c.Content = content.String()
	}
	return c, nil
}

// Scan lists every regular file under root as clean relative paths, skipping
// ignored names. A missing root yields no files.
func Scan(root string, ignore []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if Ignored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, nil
}

// Ignored reports whether rel or any of its segments matches a pattern.
func Ignored(rel string, patterns []string) bool {
	segments := strings.Split(rel, "/")
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		for _, seg := range segments {
			if ok, _ := path.Match(pat, seg); ok {
				return true
			}
		}
	}
	return false
}
