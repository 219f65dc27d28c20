package main

import (
	"embed"
	"errors"
	"html/template"
	"io"

	"github.com/xplshn/tracerr2"
)

//go:embed html/*.tmpl
var embedFS embed.FS

const version = "0.1.0"

type PageData struct {
	Title     string
	Version   string
	ThemeCSS  template.CSS
	SyntaxCSS template.CSS
}

type MarkdownPageData struct {
	*PageData
	Body template.HTML
}

type ListingEntry struct {
	Name     string
	URL      template.URL
	IsDir    bool
	Size     string
	Modified string
}

type ListingPageData struct {
	*PageData
	Path    string
	Parent  template.URL
	Entries []*ListingEntry
}

type ErrorPageData struct {
	*PageData
	Status     int
	StatusText string
}

var (
	pageNames      = []string{"markdown", "listing", "error"}
	errUnknownPage = errors.New("unknown page")
)

type pages map[string]*template.Template

func parsePages() (pages, error) {
	p := make(pages, len(pageNames))
	for _, name := range pageNames {
		file := "html/" + name + ".page.tmpl"
		ts, err := template.New(name).ParseFS(embedFS, file, "html/base.layout.tmpl")
		if err != nil {
			return nil, tracerr.Wrapf(err, "failed to parse template %s", file)
		}
		p[name] = ts
	}
	return p, nil
}

func (p pages) execute(w io.Writer, name string, data any) error {
	ts, ok := p[name]
	if !ok {
		return tracerr.Wrapf(errUnknownPage, "page %s", name)
	}
	if err := ts.ExecuteTemplate(w, "base", data); err != nil {
		return tracerr.Wrapf(err, "failed to execute template %s", name)
	}
	return nil
}
