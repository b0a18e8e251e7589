package redirect

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog"
)

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;display:flex;align-items:center;justify-content:center;min-height:100vh;margin:0;background:#f6f7f9;color:#222}
main{text-align:center;padding:2rem}
h1{font-size:1.5rem;margin-bottom:.5rem}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</main>
</body>
</html>
`))

type errorPageData struct {
	Title   string
	Message string
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func writeErrorPage(w http.ResponseWriter, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	err := errorPage.Execute(w, errorPageData{
		Title:   "Link unavailable",
		Message: "The link you followed has expired or does not exist.",
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to render error page")
	}
}
