package demoapp

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
)

const baseTemplate = `{{define "base"}}<!DOCTYPE html>
<html lang="en"><head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui; max-width: 720px; margin: 40px auto; padding: 0 20px; color: #222; }
nz-card { display: inline-block; width: 180px; margin: 8px; padding: 16px; border: 1px solid #ddd; border-radius: 8px; text-align: center; }
nz-card img { width: 64px; height: 64px; cursor: pointer; }
button { padding: 8px 20px; background: #1a73e8; color: white; border: none; border-radius: 4px; font-size: 1em; cursor: pointer; }
input[type=email], input[type=password] { width: 100%; padding: 10px; margin: 8px 0; box-sizing: border-box; }
.error { color: #d93025; }
[hidden] { display: none !important; }
</style>
</head><body>
{{template "content" .}}
</body></html>{{end}}`

const socialConnectTemplate = `{{define "content"}}
<header><span class="brand">Spikerz</span></header>
{{if .Connected}}
<h1>Connect with Youtube</h1>
<p>Connected as <strong>{{.Email}}</strong></p>
<section id="alerts" aria-busy="true">Loading alerts...</section>
<script>
(function () {
  const url = {{.AlertsURL}};
  const delay = {{.FetchDelayMS}};
  function load(left) {
    fetch(url, { credentials: "same-origin" }).then(function (r) {
      if (r.ok) {
        return r.json().then(function (body) {
          const el = document.getElementById("alerts");
          el.textContent = body.alerts.length + " alerts";
          el.setAttribute("aria-busy", "false");
        });
      }
      if (left > 1) { setTimeout(function () { load(left - 1); }, delay); }
    });
  }
  setTimeout(function () { load(5); }, delay);
})();
</script>
{{else}}
<h1>Social Connect</h1>
<nz-card><div class="card-title">Instagram</div><img alt="Instagram" src="data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' width='64' height='64'%3E%3Crect width='64' height='64' rx='12' fill='%23c13584'/%3E%3C/svg%3E"></nz-card>
<nz-card><div class="card-title">Youtube Soon!</div><img id="youtube-card" alt="YouTube" src="data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' width='64' height='64'%3E%3Crect width='64' height='64' rx='12' fill='%23ff0000'/%3E%3C/svg%3E"></nz-card>
<div id="connect-modal" role="dialog" aria-label="Connect YouTube" hidden>
  <app-google-and-youtube-login>
    <button type="button" id="google-login">Sign in with Google</button>
  </app-google-and-youtube-login>
</div>
<script>
document.getElementById("youtube-card").addEventListener("click", function () {
  document.getElementById("connect-modal").hidden = false;
});
document.getElementById("google-login").addEventListener("click", function () {
  window.location.href = {{.StartURL}};
});
</script>
{{end}}
{{end}}`

const signInTemplate = `{{define "content"}}
<h1>Sign in</h1>
<p>to continue to Spikerz</p>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
<form method="POST" action="{{.Action}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="email" name="identifier" aria-label="Email or phone" value="{{.Email}}" autofocus>
<button type="submit">Next</button>
</form>
{{end}}`

const captchaTemplate = `{{define "content"}}
<h1>Verify it's you</h1>
<p>To help keep your account safe, Google wants to make sure it's really you trying to sign in.</p>
<img id="captchaimg" alt="CAPTCHA" width="200" height="70" src="data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' width='200' height='70'%3E%3Crect width='200' height='70' fill='%23eee'/%3E%3C/svg%3E">
<form method="POST" action="{{.Action}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="text" name="ca" aria-label="Type the text you hear or see">
<button type="submit">Next</button>
</form>
{{end}}`

const passwordTemplate = `{{define "content"}}
<h1>Welcome</h1>
<p>{{.Email}}</p>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
<form method="POST" action="{{.Action}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="password" name="Passwd" aria-label="Enter your password" autofocus>
<button type="submit">Next</button>
</form>
{{end}}`

const consentTemplate = `{{define "content"}}
<h1>Spikerz wants access to your Google Account</h1>
<p>{{.Email}}</p>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
<form id="consent" method="POST" action="{{.Action}}" hidden>
<input type="hidden" name="state" value="{{.State}}">
<p>Select what Spikerz can access</p>
<input type="checkbox" id="select-all" name="scope" value="all">
<label for="select-all">Select all</label>
<ul>
<li>View your YouTube account</li>
<li>Manage your YouTube videos and comments</li>
</ul>
<button type="submit">Continue</button>
</form>
<script>
(function () {
  const url = {{.BatchURL}};
  const delay = {{.FetchDelayMS}};
  function load(left) {
    fetch(url, { method: "POST", credentials: "same-origin" }).then(function (r) {
      if (r.ok) {
        document.getElementById("consent").hidden = false;
        return;
      }
      if (left > 1) { setTimeout(function () { load(left - 1); }, delay); }
    });
  }
  setTimeout(function () { load(5); }, delay);
})();
</script>
{{end}}`

var pages = map[string]*template.Template{
	"social":   mustPage(socialConnectTemplate),
	"signin":   mustPage(signInTemplate),
	"captcha":  mustPage(captchaTemplate),
	"password": mustPage(passwordTemplate),
	"consent":  mustPage(consentTemplate),
}

func mustPage(content string) *template.Template {
	t := template.Must(template.New("base").Parse(baseTemplate))
	return template.Must(t.Parse(content))
}

type pageData struct {
	Title        string
	Error        string
	State        string
	Email        string
	Action       string
	Connected    bool
	StartURL     string
	AlertsURL    string
	BatchURL     string
	FetchDelayMS int64
}

// render executes the named page into a buffer so a template error never
// leaves a half-written response.
func render(w http.ResponseWriter, name string, data pageData) error {
	t, ok := pages[name]
	if !ok {
		return fmt.Errorf("demoapp: page %q not found", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		return fmt.Errorf("demoapp: render %q: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, err := buf.WriteTo(w)
	return err
}
