package main

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/yuin/goldmark"
)

var errUnknownTarget = errors.New("unknown target kind")

// Server answers GET and HEAD requests for files under Config.Root. It holds
// no mutable state, so one value serves every connection.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	md        goldmark.Markdown
	pages     pages
	themeCSS  template.CSS
	syntaxCSS template.CSS
}

func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	p, err := parsePages()
	if err != nil {
		return nil, err
	}

	style := lookupStyle(cfg.Theme)
	code := newCodeBlockRenderer(style)
	syntax, err := code.syntaxCSS()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:       cfg,
		logger:    logger,
		md:        newMarkdown(code),
		pages:     p,
		themeCSS:  template.CSS(themeCSS(style)),
		syntaxCSS: template.CSS(syntax),
	}, nil
}

func (s *Server) pageData(title string, withSyntax bool) *PageData {
	pd := &PageData{
		Title:    title,
		Version:  version,
		ThemeCSS: s.themeCSS,
	}
	if withSyntax {
		pd.SyntaxCSS = s.syntaxCSS
	}
	return pd
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	logger := s.logger.With("request_id", uuid.NewString())

	defer func() {
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", humanize.Bytes(uint64(rec.written)),
			"duration", time.Since(start),
		)
	}()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		rec.Header().Set("Allow", "GET, HEAD")
		s.writeError(rec, r, http.StatusMethodNotAllowed)
		return
	}

	target, err := Resolve(s.cfg.Root, r.URL.EscapedPath())
	if err != nil {
		s.fail(rec, r, logger, err)
		return
	}
	logger.Debug("resolved", "url", target.URLPath, "kind", target.Kind, "file", target.Path)

	if err := s.respond(rec, r, logger, target); err != nil {
		s.fail(rec, r, logger, err)
	}
}

func (s *Server) fail(w *statusRecorder, r *http.Request, logger *slog.Logger, err error) {
	logger.Error("failed to serve request", "path", r.URL.Path, "error", err)
	if w.wroteHeader {
		return
	}
	s.writeError(w, r, http.StatusInternalServerError)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}
