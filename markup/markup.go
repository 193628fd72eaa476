package markup

import (
	"html/template"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

var (
	sanitizerStrict = bluemonday.StrictPolicy()
	sanitizerUGC    = bluemonday.UGCPolicy()
)

func mdToHTML(md string) []byte {
	// create markdown parser with extensions
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock | parser.HardLineBreak
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(md))

	htmlFlags := html.CommonFlags | html.HrefTargetBlank
	renderer := html.NewRenderer(html.RendererOptions{Flags: htmlFlags})

	return markdown.Render(doc, renderer)
}

// Content renders post content as sanitized HTML.
func Content(md string) template.HTML {
	return template.HTML(sanitizerUGC.SanitizeBytes(mdToHTML(md)))
}

// Text strips every tag from s and escapes what is left.
func Text(s string) template.HTML {
	return template.HTML(sanitizerStrict.Sanitize(s))
}
