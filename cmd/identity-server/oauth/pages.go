package oauth

import (
	"html/template"
	"net/http"
	"net/url"
	"sort"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
)

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8" /><title>Submit this form</title></head>
<body onload="document.forms[0].submit()">
  <form method="post" action="{{.Action}}">
    {{range .Fields}}<input type="hidden" name="{{.Name}}" value="{{.Value}}" />
    {{end}}<noscript><button type="submit">Continue</button></noscript>
  </form>
</body>
</html>`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  <title>Error</title>
  <style>
    body { font-family: Arial, sans-serif; background:#0f172a; color:#e2e8f0; display:flex; align-items:center; justify-content:center; height:100vh; margin:0; }
    .card { background:#111827; border:1px solid #1f2937; padding:32px; border-radius:12px; max-width:420px; }
    h1 { margin:0 0 12px; font-size:22px; }
    p { margin:0 0 8px; color:#94a3b8; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Sorry, there was an error</h1>
    {{if .Error}}<p><strong>{{.Error}}</strong></p>{{end}}
    {{if .Description}}<p>{{.Description}}</p>{{end}}
    {{if .RequestID}}<p>Request id: {{.RequestID}}</p>{{end}}
  </div>
</body>
</html>`))

type formField struct {
	Name  string
	Value string
}

func renderFormPost(w http.ResponseWriter, action string, params url.Values) {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	data := struct {
		Action string
		Fields []formField
	}{Action: action}
	for _, k := range names {
		for _, v := range params[k] {
			data.Fields = append(data.Fields, formField{Name: k, Value: v})
		}
	}
	renderHTML(w, http.StatusOK, formPostTemplate, data)
}

// HandleErrorPage renders the error stored under errorId. Unknown ids render
// a generic error.
func (s *Server) HandleErrorPage(w http.ResponseWriter, r *http.Request) {
	msg := &oauth.ErrorMessage{}
	if id := r.URL.Query().Get(ParamErrorID); id != "" {
		stored, err := s.errorStore.Read(r.Context(), id)
		switch {
		case err == nil:
			msg = stored
		case !errors.Is(err, oauth.ErrNotFound):
			s.log(r, "HandleErrorPage").WithError(err).Error("failed to load error message")
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	renderHTML(w, http.StatusOK, errorTemplate, msg)
}

func renderHTML(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = tmpl.Execute(w, data)
}
