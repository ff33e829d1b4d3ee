package edge

import (
	"bytes"
	"html/template"
	"io"
	"net/http"
	"strconv"
)

var gatewayPage = template.Must(template.New("gateway").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Code}} {{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:0;display:flex;align-items:center;justify-content:center;min-height:100vh;background:#f6f7f9;color:#222}
main{max-width:32rem;padding:2rem}
h1{font-size:1.5rem;margin:0 0 .5rem}
p{color:#555;line-height:1.5}
code{font-size:.85rem;color:#888}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Detail}}<code>{{.Detail}}</code>{{end}}
</main>
</body>
</html>
`))

type pageData struct {
	Code    int
	Title   string
	Message string
	Detail  string
}

// errorResponse renders the gateway error page for status.
func errorResponse(req *http.Request, status int, detail string) *http.Response {
	data := pageData{Code: status, Title: "Gateway Error", Detail: detail}
	switch status {
	case http.StatusGatewayTimeout:
		data.Title = "Gateway Timeout"
		data.Message = "The origin did not respond in time. Please try again later."
	case http.StatusNotFound:
		data.Title = "Not Found"
		data.Message = "No tunnel is registered for this site."
	default:
		data.Message = "The tunnel to the origin could not be reached."
	}

	var buf bytes.Buffer
	if err := gatewayPage.Execute(&buf, data); err != nil {
		buf.Reset()
		buf.WriteString(http.StatusText(status))
	}
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(buf.Bytes())),
		ContentLength: int64(buf.Len()),
		Request:       req,
	}
}
