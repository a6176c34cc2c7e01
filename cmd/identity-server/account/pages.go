package account

import "html/template"

const pageStyle = `
    body { font-family: Arial, sans-serif; background:#0f172a; color:#e2e8f0; display:flex; align-items:center; justify-content:center; min-height:100vh; margin:0; }
    .card { background:#111827; border:1px solid #1f2937; padding:32px; border-radius:12px; width:420px; }
    h1 { margin:0 0 12px; font-size:22px; }
    h2 { margin:18px 0 8px; font-size:16px; }
    p { margin:0 0 12px; color:#94a3b8; }
    label { display:block; margin:8px 0; }
    input[type=text], input[type=password] { width:100%; box-sizing:border-box; padding:8px; border-radius:6px; border:1px solid #334155; background:#0f172a; color:#e2e8f0; }
    button { margin-top:12px; padding:8px 16px; border-radius:6px; border:0; cursor:pointer; }
    .primary { background:#2563eb; color:#fff; }
    .error { color:#f87171; }
    .scope small { display:block; color:#94a3b8; margin-left:22px; }
`

func page(name, body string) *template.Template {
	return template.Must(template.New(name).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  <title>{{.Title}}</title>
  <style>` + pageStyle + `</style>
</head>
<body>
  <div class="card">
` + body + `
  </div>
</body>
</html>`))
}

const scopeList = `{{range .Scopes}}
      <label class="scope">
        <input type="checkbox" name="scopes" value="{{.Name}}"{{if .Checked}} checked{{end}}{{if .Required}} disabled{{end}} />
        {{if .Emphasize}}<strong>{{.DisplayName}}</strong>{{else}}{{.DisplayName}}{{end}}{{if .Required}} <em>(required)</em>{{end}}
        {{if .Description}}<small>{{.Description}}</small>{{end}}
      </label>{{end}}`

var loginTemplate = page("login", `    <h1>Sign in</h1>
    {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
    {{range .Providers}}
    <form method="post" action="{{$.Action}}">
      <input type="hidden" name="{{$.ReturnParam}}" value="{{$.ReturnURL}}" />
      <input type="hidden" name="provider" value="{{.Scheme}}" />
      <h2>{{.DisplayName}}</h2>
      {{if .Password}}
      <label>Username <input type="text" name="username" value="{{$.Username}}" autofocus /></label>
      <label>Password <input type="password" name="password" /></label>
      {{else}}
      <label>Token <input type="password" name="token" /></label>
      {{end}}
      <button class="primary" type="submit" name="button" value="login">Sign in</button>
      {{if $.ReturnURL}}<button type="submit" name="button" value="cancel">Cancel</button>{{end}}
    </form>
    {{end}}`)

var consentTemplate = page("consent", `    <h1>{{.ClientName}} is requesting your permission</h1>
    <p>Uncheck the permissions you do not wish to grant.</p>
    <form method="post" action="{{.Action}}">
      <input type="hidden" name="{{.ReturnParam}}" value="{{.ReturnURL}}" />
      <input type="hidden" name="{{.TokenParam}}" value="{{.FormToken}}" />
      `+scopeList+`
      {{if .AllowRemember}}<label><input type="checkbox" name="remember" value="true" checked /> Remember my decision</label>{{end}}
      <label>Description <input type="text" name="description" /></label>
      <button class="primary" type="submit" name="button" value="yes">Yes, allow</button>
      <button type="submit" name="button" value="no">No, do not allow</button>
    </form>`)

var logoutTemplate = page("logout", `    {{if .LoggedOut}}
    <h1>Logout</h1>
    <p>You are now logged out.</p>
    {{else}}
    <h1>Logout</h1>
    <p>Would you like to logout?</p>
    <form method="post" action="{{.Action}}">
      <button class="primary" type="submit">Yes</button>
    </form>
    {{end}}`)

var deviceTemplate = page("device", `    <h1>Device authorization</h1>
    {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
    {{if .Done}}
    <p>{{.Done}}</p>
    {{else if .UserCode}}
    <p>{{.ClientName}} is requesting access to your account.</p>
    <p>Confirm that the code shown on the device is <strong>{{.UserCode}}</strong>.</p>
    <form method="post" action="{{.Action}}">
      <input type="hidden" name="userCode" value="{{.UserCode}}" />
      `+scopeList+`
      <button class="primary" type="submit" name="button" value="yes">Allow</button>
      <button type="submit" name="button" value="no">Deny</button>
    </form>
    {{else}}
    <form method="get" action="{{.Action}}">
      <label>Enter the code shown on your device <input type="text" name="userCode" autofocus /></label>
      <button class="primary" type="submit">Continue</button>
    </form>
    {{end}}`)
