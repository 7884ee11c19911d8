package api

import (
	"html/template"
	"net/http"
)

var sessionPage = template.Must(template.New("session").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>a question</title></head>
<body style="background:#111;color:#ddd;font-family:monospace;max-width:40em;margin:3em auto">
{{if .Used}}
<p>This session has closed.</p>
{{else}}
<p>{{.Question}}</p>
<p>{{.RemainingSeconds}} seconds remain.</p>
<form method="POST" action="/respond/{{.Token}}">
<textarea name="answer" rows="4" cols="40" autofocus></textarea><br>
<button type="submit">answer</button>
</form>
{{end}}
</body>
</html>`))

var messagePage = template.Must(template.New("message").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>dread</title></head>
<body style="background:#111;color:#ddd;font-family:monospace;max-width:40em;margin:3em auto">
<p>{{.}}</p>
</body>
</html>`))

type sessionPageData struct {
	Token            string
	Question         string
	RemainingSeconds int
	Used             bool
}

func renderSession(w http.ResponseWriter, data sessionPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = sessionPage.Execute(w, data)
}

func renderMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = messagePage.Execute(w, msg)
}
