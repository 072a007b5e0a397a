package assembler

import (
	"bytes"
	_ "embed"
	"html"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
)

//go:embed placard.html.tmpl
var placardTmpl string

var placardTemplate = template.Must(template.New("placard").Parse(placardTmpl))

// placardPolicy bounds what may reach the placard body, whatever the
// compile error contains.
var placardPolicy = bluemonday.NewPolicy().
	AllowElements("div", "h1", "pre").
	AllowAttrs("class").OnElements("div")

// ErrorDocument renders a standalone placard for a compile error, for
// embedding UIs that display errors in place of the guest.
func ErrorDocument(title, detail string) string {
	body := `<div class="placard"><h1>` + html.EscapeString(title) + `</h1><pre>` +
		html.EscapeString(detail) + `</pre></div>`

	var buf bytes.Buffer
	// Static template, executes without error.
	_ = placardTemplate.Execute(&buf, struct {
		Title string
		Body  string
	}{
		Title: html.EscapeString(title),
		Body:  placardPolicy.Sanitize(body),
	})
	return buf.String()
}
