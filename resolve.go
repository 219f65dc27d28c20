package main

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/xplshn/tracerr2"
)

type TargetKind int

const (
	TargetNotFound TargetKind = iota
	TargetForbidden
	TargetFile
	TargetDirectory
)

func (k TargetKind) String() string {
	switch k {
	case TargetNotFound:
		return "not-found"
	case TargetForbidden:
		return "forbidden"
	case TargetFile:
		return "file"
	case TargetDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Target is the outcome of resolving a request path against the root.
// Path, Info and Entries are only set for files and directories; Entries only
// for directories.
type Target struct {
	Kind    TargetKind
	URLPath string
	Path    string
	Info    fs.FileInfo
	Entries []fs.DirEntry
}

// Resolve maps the escaped URL path urlPath onto root. Traversal above root,
// malformed escapes and symlinks whose destination lies outside root all
// resolve to TargetForbidden. The returned error is reserved for filesystem
// failures other than a missing path.
func Resolve(root, urlPath string) (*Target, error) {
	clean, ok := normalizeURLPath(urlPath)
	if !ok {
		return &Target{Kind: TargetForbidden}, nil
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, tracerr.Wrapf(err, "failed to resolve root %s", root)
	}

	full := filepath.Join(root, filepath.FromSlash(clean))
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return &Target{Kind: TargetNotFound, URLPath: clean}, nil
		}
		return nil, tracerr.Wrapf(err, "failed to stat %s", full)
	}

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return nil, tracerr.Wrapf(err, "failed to resolve symlinks for %s", full)
	}
	if !within(realRoot, resolved) {
		return &Target{Kind: TargetForbidden, URLPath: clean}, nil
	}

	t := &Target{URLPath: clean, Path: full, Info: info}
	switch {
	case info.IsDir():
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, tracerr.Wrapf(err, "failed to read directory %s", full)
		}
		t.Kind = TargetDirectory
		t.Entries = entries
	case info.Mode().IsRegular():
		t.Kind = TargetFile
	default:
		t.Kind = TargetForbidden
		t.Path = ""
		t.Info = nil
	}
	return t, nil
}

// normalizeURLPath decodes urlPath and collapses "." and ".." segments. It
// reports false when a ".." would climb above the root or the path cannot be
// decoded. The result always starts with "/".
func normalizeURLPath(urlPath string) (string, bool) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return "", false
	}

	var segs []string
	for _, seg := range strings.Split(decoded, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segs) == 0 {
				return "", false
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, seg)
		}
	}
	return "/" + strings.Join(segs, "/"), true
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
