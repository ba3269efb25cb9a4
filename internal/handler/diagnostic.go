package handler

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"pageproxy/internal/model"
)

var diagnosticTemplate = template.Must(template.New("diagnostic").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Status}} {{.Class}}</title>
<style>body{font-family:sans-serif;max-width:42em;margin:3em auto;color:#222}code{word-break:break-all}h1{color:#b3261e}</style>
</head>
<body>
<h1>{{.Class}}</h1>
<p>{{.Message}}</p>
{{if .Target}}<p>Target: <code>{{.Target}}</code></p>{{end}}
<p><small>{{.Status}} {{.StatusText}}</small></p>
</body>
</html>
`))

var classMessages = map[model.Class]string{
	model.ClassInvalidTarget: "The url parameter must be an absolute http or https URL.",
	model.ClassTimeout:       "The origin did not respond in time.",
	model.ClassUnreachable:   "The origin could not be reached.",
	model.ClassProtocol:      "The origin sent a response that could not be used.",
	model.ClassDecode:        "The origin response could not be decoded.",
	model.ClassTooLarge:      "The document is larger than this proxy will rewrite.",
	model.ClassCanceled:      "The request was canceled before the origin answered.",
}

func renderDiagnostic(c echo.Context, status int, class model.Class, target string) error {
	var b strings.Builder
	err := diagnosticTemplate.Execute(&b, struct {
		Status     int
		StatusText string
		Class      model.Class
		Message    string
		Target     string
	}{
		Status:     status,
		StatusText: http.StatusText(status),
		Class:      class,
		Message:    classMessages[class],
		Target:     target,
	})
	if err != nil {
		return c.String(status, string(class))
	}
	return c.HTML(status, b.String())
}
