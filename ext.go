package main

import (
	"bytes"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	goyaml "github.com/goccy/go-yaml"
	"github.com/xplshn/tracerr2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	gmdhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var errMarkdownUTF8 = errors.New("markdown is not UTF-8")

// newMarkdown builds a GitHub-flavoured goldmark engine whose fenced code
// blocks go through code.
func newMarkdown(code *codeBlockRenderer) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmdhtml.WithUnsafe(),
			renderer.WithNodeRenderers(util.Prioritized(code, 100)),
		),
	)
}

type frontMatter struct {
	Title string `yaml:"title"`
}

var frontMatterKey = regexp.MustCompile(`^[\w-]+\s*:`)

// splitFrontMatter separates a leading "---" delimited YAML block from the
// Markdown body. Sources without one, or whose block is not a YAML mapping
// that decodes into frontMatter, are returned unchanged: a "---" pair is also
// a thematic break followed by a setext heading.
func splitFrontMatter(src []byte, logger *slog.Logger) (frontMatter, []byte) {
	var fm frontMatter
	normalized := bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return fm, src
	}
	rest := normalized[len("---\n"):]

	var header, body []byte
	if bytes.HasPrefix(rest, []byte("---")) {
		body = rest[len("---"):]
	} else {
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return fm, src
		}
		header = rest[:end]
		body = rest[end+len("\n---"):]
	}

	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		if len(bytes.TrimSpace(body[:nl])) != 0 {
			return fm, src
		}
		body = body[nl+1:]
	} else if len(bytes.TrimSpace(body)) != 0 {
		return fm, src
	} else {
		body = nil
	}

	if !looksLikeMapping(header) {
		return fm, src
	}
	if len(bytes.TrimSpace(header)) == 0 {
		return fm, body
	}
	if err := goyaml.Unmarshal(header, &fm); err != nil {
		logger.Debug("ignoring undecodable front matter", "error", err)
		return frontMatter{}, src
	}
	return fm, body
}

// looksLikeMapping reports whether the first meaningful line of header is a
// "key:" line. Blank and comment-only headers count as an empty mapping.
func looksLikeMapping(header []byte) bool {
	for _, line := range bytes.Split(header, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		return frontMatterKey.Match(line)
	}
	return true
}

// renderMarkdown reads the Markdown file at p and returns a full HTML page.
func (s *Server) renderMarkdown(p string, logger *slog.Logger) ([]byte, error) {
	src, err := os.ReadFile(p)
	if err != nil {
		return nil, tracerr.Wrapf(err, "failed to read %s", p)
	}
	if !utf8.Valid(src) {
		return nil, tracerr.Wrapf(errMarkdownUTF8, "%s", p)
	}

	fm, body := splitFrontMatter(src, logger)

	var html bytes.Buffer
	if err := s.md.Convert(body, &html); err != nil {
		return nil, tracerr.Wrapf(err, "markdown conversion failed for %s", p)
	}

	title := fm.Title
	if title == "" {
		title = filepath.Base(p)
	}
	data := &MarkdownPageData{
		PageData: s.pageData(title, true),
		Body:     template.HTML(html.String()),
	}

	var out bytes.Buffer
	if err := s.pages.execute(&out, "markdown", data); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// renderListing builds the directory index page for t. Every entry of the
// directory appears once, sorted by collation order.
func (s *Server) renderListing(t *Target) ([]byte, error) {
	entries := make([]*ListingEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		entries = append(entries, s.listingEntry(t, e))
	}

	col := collate.New(language.Und)
	sort.SliceStable(entries, func(i, j int) bool {
		if c := col.CompareString(entries[i].Name, entries[j].Name); c != 0 {
			return c < 0
		}
		return entries[i].Name < entries[j].Name
	})

	data := &ListingPageData{
		PageData: s.pageData("Index of "+t.URLPath, false),
		Path:     t.URLPath,
		Entries:  entries,
	}
	if t.URLPath != "/" {
		data.Parent = template.URL(escapeURLPath(dirURL(path.Dir(t.URLPath))))
	}

	var out bytes.Buffer
	if err := s.pages.execute(&out, "listing", data); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (s *Server) listingEntry(t *Target, e fs.DirEntry) *ListingEntry {
	name := e.Name()
	isDir := e.IsDir()
	entry := &ListingEntry{Size: "-", Modified: "-"}

	var info fs.FileInfo
	var err error
	if e.Type()&fs.ModeSymlink != 0 {
		info, err = os.Stat(filepath.Join(t.Path, name))
	} else {
		info, err = e.Info()
	}
	if err != nil {
		s.logger.Warn("directory entry error", "entry", name, "error", err)
	} else {
		isDir = info.IsDir()
		if !isDir {
			entry.Size = humanize.Bytes(uint64(info.Size()))
		}
		entry.Modified = humanize.Time(info.ModTime())
	}

	href := path.Join(t.URLPath, name)
	entry.Name = name
	if isDir {
		entry.Name += "/"
		href = dirURL(href)
	}
	entry.IsDir = isDir
	entry.URL = template.URL(escapeURLPath(href))
	return entry
}

func dirURL(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// escapeURLPath percent-encodes each segment of an unescaped slash path.
func escapeURLPath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
