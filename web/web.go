// Package web bundles the page templates and static assets into the binary.
package web

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"time"

	"github.com/labstack/echo/v4"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed assets
var assetFS embed.FS

var pages = []string{"index.html", "error.html"}

var funcs = template.FuncMap{
	"timestamp": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
	"rfc3339":   func(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) },
}

type TemplateRegistry struct {
	templates map[string]*template.Template
}

func NewTemplateRegistry() *TemplateRegistry {
	t := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		t[page] = template.Must(template.New(page).Funcs(funcs).ParseFS(templateFS, "templates/"+page, "templates/base.html"))
	}
	return &TemplateRegistry{templates: t}
}

func (t *TemplateRegistry) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	tmpl, ok := t.templates[name]
	if !ok {
		return errors.New("template not found: " + name)
	}
	return tmpl.ExecuteTemplate(w, "base.html", data)
}

// Assets is the file system served under /static.
func Assets() fs.FS {
	sub, err := fs.Sub(assetFS, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}
