package main

import (
	"bytes"
	"fmt"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/xplshn/tracerr2"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// codeBlockRenderer replaces goldmark's fenced code block output with chroma
// markup. Classes are used so the stylesheet from syntaxCSS applies.
type codeBlockRenderer struct {
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

func newCodeBlockRenderer(style *chroma.Style) *codeBlockRenderer {
	return &codeBlockRenderer{
		formatter: chromahtml.New(chromahtml.WithClasses(true)),
		style:     style,
	}
}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)

	var code bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}

	var lexer chroma.Lexer
	if lang := n.Language(source); lang != nil {
		lexer = lexers.Get(string(lang))
	}
	if lexer == nil {
		lexer = lexers.Analyse(code.String())
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code.String())
	if err != nil {
		return ast.WalkStop, tracerr.Wrapf(err, "tokenization failed")
	}
	if err := r.formatter.Format(w, r.style, iterator); err != nil {
		return ast.WalkStop, tracerr.Wrapf(err, "formatting failed")
	}
	return ast.WalkSkipChildren, nil
}

func (r *codeBlockRenderer) syntaxCSS() (string, error) {
	var buf bytes.Buffer
	if err := r.formatter.WriteCSS(&buf, r.style); err != nil {
		return "", tracerr.Wrapf(err, "failed to write syntax css")
	}
	return buf.String(), nil
}

func lookupStyle(name string) *chroma.Style {
	if s := styles.Get(name); s != nil {
		return s
	}
	return styles.Fallback
}

// themeCSS derives the page colour variables from a chroma style so the page
// chrome matches the code blocks.
func themeCSS(theme *chroma.Style) string {
	bg := theme.Get(chroma.Background)
	txt := theme.Get(chroma.Text)
	kw := theme.Get(chroma.Keyword)
	nv := theme.Get(chroma.NameVariable)
	cm := theme.Get(chroma.Comment)
	ln := theme.Get(chroma.LiteralNumber)
	return fmt.Sprintf(`:root {
  --bg-color: %s; --text-color: %s; --border: %s;
  --link-color: %s; --hover: %s; --visited: %s;
}`,
		colour(bg.Background, "#ffffff"), colour(txt.Colour, "#000000"), colour(cm.Colour, "#888888"),
		colour(nv.Colour, "#0366d6"), colour(kw.Colour, "#0366d6"), colour(ln.Colour, "#6f42c1"))
}

func colour(c chroma.Colour, fallback string) string {
	if c.IsSet() {
		return c.String()
	}
	return fallback
}
