package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

const layoutHTML = `{{define "layout"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><style>body{font-family:Arial,sans-serif;color:#1f2937}.code{font-size:28px;letter-spacing:6px;font-weight:bold}</style></head>
<body><h2>NeuroSight</h2>{{template "content" .}}<p>NeuroSight AI-assisted MRI analysis</p></body></html>{{end}}`

var templates = map[string]string{
	"otp": `{{define "content"}}<p>Hello {{.Name}},</p>
<p>Your verification code is:</p>
<p class="code">{{.Code}}</p>
<p>This code expires in {{.Minutes}} minutes. If you did not create an account, ignore this email.</p>{{end}}`,

	"welcome": `{{define "content"}}<p>Welcome, Dr. {{.Name}}!</p>
<p>Your profile at {{.Hospital}} is complete. You can now upload MRI scans and generate reports.</p>
<p><a href="{{.DashboardURL}}">Open your dashboard</a></p>{{end}}`,

	"reset": `{{define "content"}}<p>Hello {{.Name}},</p>
<p>We received a request to reset your password.</p>
<p><a href="{{.ResetURL}}">Reset your password</a></p>
<p>This link expires in {{.Minutes}} minutes. If you did not request a reset, ignore this email.</p>{{end}}`,
}

// parsed はテンプレート名ごとにlayoutと結合したテンプレート。
var parsed = func() map[string]*template.Template {
	m := make(map[string]*template.Template, len(templates))
	for name, body := range templates {
		t := template.Must(template.New(name).Parse(layoutHTML))
		m[name] = template.Must(t.Parse(body))
	}
	return m
}()

// render は指定テンプレートのHTMLを生成する。
func render(name string, data any) (string, error) {
	t, ok := parsed[name]
	if !ok {
		return "", fmt.Errorf("unknown mail template: %s", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return buf.String(), nil
}
