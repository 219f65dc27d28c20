package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xplshn/tracerr2"
)

const htmlContentType = "text/html; charset=utf-8"

// respond writes the response for a resolved target. A returned error means
// nothing could be served and the caller should answer with a 500.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, logger *slog.Logger, t *Target) error {
	switch t.Kind {
	case TargetNotFound:
		logger.Debug("file not found", "path", t.URLPath)
		s.writeError(w, r, http.StatusNotFound)
		return nil
	case TargetForbidden:
		s.writeError(w, r, http.StatusForbidden)
		return nil
	case TargetDirectory:
		return s.respondDirectory(w, r, logger, t)
	case TargetFile:
		return s.respondFile(w, r, logger, t)
	default:
		return tracerr.Wrapf(errUnknownTarget, "kind %d", t.Kind)
	}
}

func (s *Server) respondDirectory(w http.ResponseWriter, r *http.Request, logger *slog.Logger, t *Target) error {
	index, err := s.findIndex(t)
	if err != nil {
		return err
	}
	if index != nil {
		logger.Debug("serving index for directory", "index", index.URLPath)
		return s.respondFile(w, r, logger, index)
	}

	if !s.cfg.Extensions {
		s.writeError(w, r, http.StatusForbidden)
		return nil
	}

	body, err := s.renderListing(t)
	if err != nil {
		return err
	}
	s.writeBody(w, r, http.StatusOK, htmlContentType, body)
	return nil
}

// findIndex returns the first configured index file inside the directory t,
// resolved through Resolve so that the symlink policy still applies.
func (s *Server) findIndex(t *Target) (*Target, error) {
	for _, name := range s.cfg.IndexFiles {
		if !hasEntry(t, name) {
			continue
		}
		index, err := Resolve(s.cfg.Root, escapeURLPath(path.Join(t.URLPath, name)))
		if err != nil {
			return nil, err
		}
		if index.Kind == TargetFile {
			return index, nil
		}
	}
	return nil, nil
}

func hasEntry(t *Target, name string) bool {
	for _, e := range t.Entries {
		if e.Name() == name {
			return true
		}
	}
	return false
}

func (s *Server) respondFile(w http.ResponseWriter, r *http.Request, logger *slog.Logger, t *Target) error {
	if s.cfg.Extensions && strings.EqualFold(filepath.Ext(t.Path), ".md") {
		body, err := s.renderMarkdown(t.Path, logger)
		if err != nil {
			return err
		}
		s.writeBody(w, r, http.StatusOK, htmlContentType, body)
		return nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return tracerr.Wrapf(err, "failed to open %s", t.Path)
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", contentTypeFor(t.Path, s.cfg.MimeTypes))
	h.Set("Content-Length", strconv.FormatInt(t.Info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, f); err != nil {
		// Headers are gone already; all we can do is log.
		logger.Warn("failed to copy file", "path", t.Path, "error", err)
	}
	return nil
}

// writeError sends a small HTML page for status. It never includes details
// about the failure.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int) {
	data := &ErrorPageData{
		PageData:   s.pageData(strconv.Itoa(status)+" "+http.StatusText(status), false),
		Status:     status,
		StatusText: http.StatusText(status),
	}
	var buf bytes.Buffer
	if err := s.pages.execute(&buf, "error", data); err != nil {
		s.logger.Error("failed to render error page", "status", status, "error", err)
		buf.Reset()
		buf.WriteString(strconv.Itoa(status) + " " + http.StatusText(status) + "\n")
		s.writeBody(w, r, status, "text/plain; charset=utf-8", buf.Bytes())
		return
	}
	s.writeBody(w, r, status, htmlContentType, buf.Bytes())
}

func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, status int, contentType string, body []byte) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("failed to write response body", "error", err)
	}
}
