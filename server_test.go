package main

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const indexHTML = "<!DOCTYPE html><h1>home</h1>\n"

var fixedModTime = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

var testTree = map[string]string{
	"index.html":      indexHTML,
	"notes.md":        "# Hi\n\nSome *notes*.\n",
	"titled.md":       "---\ntitle: Hello Notes\n---\n# Body\n",
	"code.md":         "```go\nfunc main() {}\n```\n",
	"style.css":       "body { color: red; }\n",
	"blob.unknownext": "\x00\x01\x02",
	"docs/a.txt":      "a",
	"docs/B.txt":      "bb",
	"docs/c.md":       "# C\n",
	"docs/a b.txt":    "space",
	"docs/sub/":       "",
	"site/index.html": "<p>site</p>",
	"site/page.html":  "<p>page</p>",
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(p, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	// Pinned times keep humanized listing output stable between requests.
	err := filepath.WalkDir(root, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(p, fixedModTime, fixedModTime)
	})
	if err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func newTestServer(t *testing.T, extensions bool) (*Server, string) {
	t.Helper()
	root, err := canonicalRoot(t.TempDir())
	if err != nil {
		t.Fatalf("canonicalRoot() error = %v", err)
	}
	writeFiles(t, root, testTree)

	cfg := Config{
		Addr:       defaultAddr,
		Root:       root,
		Extensions: extensions,
		Theme:      defaultTheme,
		IndexFiles: []string{defaultIndex},
		MimeTypes:  map[string]string{},
	}
	s, err := NewServer(cfg, newLogger(io.Discard, slog.LevelDebug))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s, root
}

func do(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func parseHTML(t *testing.T, body string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to parse HTML: %v", err)
	}
	return doc
}

func TestServeStatus(t *testing.T) {
	tests := []struct {
		name       string
		extensions bool
		method     string
		target     string
		wantStatus int
		wantType   string
	}{
		{"index at root", false, http.MethodGet, "/", http.StatusOK, "text/html; charset=utf-8"},
		{"plain file", false, http.MethodGet, "/style.css", http.StatusOK, "text/css; charset=utf-8"},
		{"unknown extension", false, http.MethodGet, "/blob.unknownext", http.StatusOK, "application/octet-stream"},
		{"markdown raw without extensions", false, http.MethodGet, "/notes.md", http.StatusOK, "text/markdown; charset=utf-8"},
		{"markdown rendered with extensions", true, http.MethodGet, "/notes.md", http.StatusOK, "text/html; charset=utf-8"},
		{"missing file", false, http.MethodGet, "/missing.txt", http.StatusNotFound, "text/html; charset=utf-8"},
		{"missing below a file", false, http.MethodGet, "/style.css/x", http.StatusNotFound, "text/html; charset=utf-8"},
		{"directory without index", false, http.MethodGet, "/docs/", http.StatusForbidden, "text/html; charset=utf-8"},
		{"directory without index or slash", false, http.MethodGet, "/docs", http.StatusForbidden, "text/html; charset=utf-8"},
		{"directory listing", true, http.MethodGet, "/docs/", http.StatusOK, "text/html; charset=utf-8"},
		{"subdirectory index", false, http.MethodGet, "/site/", http.StatusOK, "text/html; charset=utf-8"},
		{"traversal", false, http.MethodGet, "/../etc/passwd", http.StatusForbidden, "text/html; charset=utf-8"},
		{"encoded traversal", true, http.MethodGet, "/docs/%2e%2e/%2e%2e/etc/passwd", http.StatusForbidden, "text/html; charset=utf-8"},
		{"post", false, http.MethodPost, "/", http.StatusMethodNotAllowed, "text/html; charset=utf-8"},
		{"delete", true, http.MethodDelete, "/style.css", http.StatusMethodNotAllowed, "text/html; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.extensions)
			rec := do(s, tt.method, tt.target)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", got, tt.wantType)
			}
			if got, want := rec.Header().Get("Content-Length"), strconv.Itoa(rec.Body.Len()); got != want {
				t.Errorf("Content-Length = %q, body has %s bytes", got, want)
			}
		})
	}
}

func TestServeIndexBytes(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec := do(s, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != indexHTML {
		t.Errorf("body = %q, want %q", got, indexHTML)
	}
}

func TestServeMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec := do(s, http.MethodPut, "/index.html")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, HEAD" {
		t.Errorf("Allow = %q, want %q", got, "GET, HEAD")
	}
}

func TestServeMarkdown(t *testing.T) {
	s, _ := newTestServer(t, true)

	rec := do(s, http.MethodGet, "/notes.md")
	doc := parseHTML(t, rec.Body.String())
	h1 := doc.Find("article h1")
	if h1.Length() != 1 {
		t.Fatalf("found %d <h1> elements, want 1", h1.Length())
	}
	if got := strings.TrimSpace(h1.Text()); got != "Hi" {
		t.Errorf("<h1> text = %q, want %q", got, "Hi")
	}
	if doc.Find("article em").Text() != "notes" {
		t.Errorf("emphasis was not rendered")
	}
	if got := doc.Find("title").Text(); got != "notes.md" {
		t.Errorf("title = %q, want file name", got)
	}
}

func TestServeMarkdownFrontMatter(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := do(s, http.MethodGet, "/titled.md")
	doc := parseHTML(t, rec.Body.String())
	if got := doc.Find("title").Text(); got != "Hello Notes" {
		t.Errorf("title = %q, want %q", got, "Hello Notes")
	}
	if strings.Contains(doc.Find("article").Text(), "title:") {
		t.Errorf("front matter leaked into the page body")
	}
	if got := strings.TrimSpace(doc.Find("article h1").Text()); got != "Body" {
		t.Errorf("<h1> text = %q, want %q", got, "Body")
	}
}

func TestServeMarkdownRuleIsNotFrontMatter(t *testing.T) {
	s, root := newTestServer(t, true)
	writeFiles(t, root, map[string]string{
		"rule.md":   "---\nHello world\n---\n",
		"list.md":   "---\n- [link](x)\n---\n",
		"broken.md": "---\ntitle: [oops\n---\n\nbody\n",
	})

	rec := do(s, http.MethodGet, "/rule.md")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	doc := parseHTML(t, rec.Body.String())
	if doc.Find("article hr").Length() != 1 {
		t.Errorf("thematic break was not rendered: %s", rec.Body.String())
	}
	if got := strings.TrimSpace(doc.Find("article h2").Text()); got != "Hello world" {
		t.Errorf("<h2> text = %q, want %q", got, "Hello world")
	}

	rec = do(s, http.MethodGet, "/list.md")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, want 200", rec.Code)
	}
	if href, _ := parseHTML(t, rec.Body.String()).Find("article li a").Attr("href"); href != "x" {
		t.Errorf("list link href = %q, want %q", href, "x")
	}

	rec = do(s, http.MethodGet, "/broken.md")
	if rec.Code != http.StatusOK {
		t.Fatalf("broken: status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "body") {
		t.Errorf("body text missing from page")
	}
}

func TestServeMarkdownHighlight(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := do(s, http.MethodGet, "/code.md")
	doc := parseHTML(t, rec.Body.String())
	if doc.Find("article pre.chroma").Length() != 1 {
		t.Fatalf("code block was not highlighted: %s", rec.Body.String())
	}
	if !strings.Contains(doc.Find("article pre.chroma").Text(), "func main() {}") {
		t.Errorf("code block lost its contents")
	}
	if !strings.Contains(doc.Find("style").Text(), ".chroma") {
		t.Errorf("syntax stylesheet missing from page")
	}
}

func TestServeMarkdownInvalidUTF8(t *testing.T) {
	s, root := newTestServer(t, true)
	writeFiles(t, root, map[string]string{"bad.md": "\xff\xfe\xfd"})

	rec := do(s, http.MethodGet, "/bad.md")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, root) || strings.Contains(body, "UTF-8") {
		t.Errorf("error page leaks details: %s", body)
	}
}

func TestServeListing(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := do(s, http.MethodGet, "/docs/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	doc := parseHTML(t, rec.Body.String())

	var names, hrefs []string
	doc.Find("tr.entry a").Each(func(_ int, sel *goquery.Selection) {
		names = append(names, sel.Text())
		href, _ := sel.Attr("href")
		hrefs = append(hrefs, href)
	})

	wantNames := []string{"a b.txt", "a.txt", "B.txt", "c.md", "sub/"}
	wantHrefs := []string{"/docs/a%20b.txt", "/docs/a.txt", "/docs/B.txt", "/docs/c.md", "/docs/sub/"}
	if strings.Join(names, "|") != strings.Join(wantNames, "|") {
		t.Errorf("entries = %q, want %q", names, wantNames)
	}
	if strings.Join(hrefs, "|") != strings.Join(wantHrefs, "|") {
		t.Errorf("hrefs = %q, want %q", hrefs, wantHrefs)
	}

	parent, ok := doc.Find("tr.parent a").Attr("href")
	if !ok || parent != "/" {
		t.Errorf("parent link = %q, want %q", parent, "/")
	}
}

func TestServeListingEveryEntryOnce(t *testing.T) {
	s, root := newTestServer(t, true)
	entries, err := os.ReadDir(filepath.Join(root, "docs"))
	if err != nil {
		t.Fatal(err)
	}

	doc := parseHTML(t, do(s, http.MethodGet, "/docs").Body.String())
	counts := map[string]int{}
	doc.Find("tr.entry a").Each(func(_ int, sel *goquery.Selection) {
		counts[strings.TrimSuffix(sel.Text(), "/")]++
	})
	if len(counts) != len(entries) {
		t.Errorf("listed %d names, directory has %d", len(counts), len(entries))
	}
	for _, e := range entries {
		if counts[e.Name()] != 1 {
			t.Errorf("entry %q listed %d times, want 1", e.Name(), counts[e.Name()])
		}
	}
}

func TestServeListingRootHasNoParent(t *testing.T) {
	s, root := newTestServer(t, true)
	if err := os.Remove(filepath.Join(root, "index.html")); err != nil {
		t.Fatal(err)
	}
	doc := parseHTML(t, do(s, http.MethodGet, "/").Body.String())
	if doc.Find("tr.parent").Length() != 0 {
		t.Errorf("root listing has a parent link")
	}
	if doc.Find("tr.entry").Length() == 0 {
		t.Errorf("root listing is empty")
	}
}

func TestServeHeadMatchesGet(t *testing.T) {
	targets := []string{"/", "/style.css", "/notes.md", "/docs/", "/missing.txt", "/../x"}
	for _, extensions := range []bool{false, true} {
		s, _ := newTestServer(t, extensions)
		for _, target := range targets {
			t.Run(strconv.FormatBool(extensions)+target, func(t *testing.T) {
				get := do(s, http.MethodGet, target)
				head := do(s, http.MethodHead, target)
				if head.Code != get.Code {
					t.Errorf("HEAD status = %d, GET status = %d", head.Code, get.Code)
				}
				for _, h := range []string{"Content-Type", "Content-Length"} {
					if head.Header().Get(h) != get.Header().Get(h) {
						t.Errorf("HEAD %s = %q, GET %s = %q", h, head.Header().Get(h), h, get.Header().Get(h))
					}
				}
				if head.Body.Len() != 0 {
					t.Errorf("HEAD body has %d bytes, want 0", head.Body.Len())
				}
			})
		}
	}
}

func TestServeErrorPagesDoNotLeakPaths(t *testing.T) {
	s, root := newTestServer(t, false)
	for _, target := range []string{"/missing.txt", "/docs/", "/../../etc/passwd"} {
		body := do(s, http.MethodGet, target).Body.String()
		if strings.Contains(body, root) {
			t.Errorf("%s: error page contains the root path", target)
		}
	}
}

func TestServeSymlinkOutsideRoot(t *testing.T) {
	s, root := newTestServer(t, true)
	outside := t.TempDir()
	writeFiles(t, outside, map[string]string{"secret.txt": "secret"})

	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "leak.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "outdir")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "style.css"), filepath.Join(root, "alias.css")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	for _, target := range []string{"/leak.txt", "/outdir/", "/outdir/secret.txt"} {
		rec := do(s, http.MethodGet, target)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", target, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret") {
			t.Errorf("%s: body leaks file contents", target)
		}
	}

	rec := do(s, http.MethodGet, "/alias.css")
	if rec.Code != http.StatusOK || rec.Body.String() != testTree["style.css"] {
		t.Errorf("/alias.css: status = %d body = %q, want symlink inside root served", rec.Code, rec.Body.String())
	}
}

func TestServeCustomMimeType(t *testing.T) {
	s, root := newTestServer(t, false)
	writeFiles(t, root, map[string]string{"data.custom": "x"})
	s.cfg.MimeTypes = map[string]string{".custom": "application/x-custom"}

	rec := do(s, http.MethodGet, "/data.custom")
	if got := rec.Header().Get("Content-Type"); got != "application/x-custom" {
		t.Errorf("Content-Type = %q, want %q", got, "application/x-custom")
	}
}

func TestServeIndexFilesOrder(t *testing.T) {
	s, _ := newTestServer(t, false)
	s.cfg.IndexFiles = []string{"missing.html", "page.html", "index.html"}

	rec := do(s, http.MethodGet, "/site/")
	if got := rec.Body.String(); got != testTree["site/page.html"] {
		t.Errorf("body = %q, want the first existing index file", got)
	}
}

type brokenWriter struct{ header http.Header }

func (w *brokenWriter) Header() http.Header { return w.header }
func (w *brokenWriter) WriteHeader(int) {}
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestServeCopyFailureKeepsRequestID(t *testing.T) {
	s, _ := newTestServer(t, false)
	var buf bytes.Buffer
	s.logger = newLogger(&buf, slog.LevelDebug)

	s.ServeHTTP(&brokenWriter{header: http.Header{}}, httptest.NewRequest(http.MethodGet, "/style.css", nil))

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "failed to copy file") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("copy failure was not logged: %s", buf.String())
	}
	if !strings.Contains(line, "request_id=") {
		t.Errorf("copy failure logged without request_id: %s", line)
	}
}
