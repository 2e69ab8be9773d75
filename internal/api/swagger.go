package api

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec string

// SpecHandler serves the OpenAPI YAML document. The embedded document
// contains an {oktaIssuer} placeholder which is replaced with the issuer so
// clients don't have to know the actual tenant.
func SpecHandler(oktaIssuer string) echo.HandlerFunc {
	spec := strings.ReplaceAll(openAPISpec, "{oktaIssuer}", oktaIssuer)
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
	}
}

// SwaggerHandler serves a Swagger UI page pointing at /openapi.yaml. The
// page signs in with PKCE against the issuer the service trusts and keeps
// the token across reloads.
func SwaggerHandler(clientID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var buf bytes.Buffer
		err := docsPage.Execute(&buf, docsData{
			SpecURL:     "/openapi.yaml",
			RedirectURL: c.Scheme() + "://" + c.Request().Host + "/docs/oauth2-redirect.html",
			ClientID:    clientID,
			HasClientID: clientID != "",
		})
		if err != nil {
			return err
		}
		return c.HTMLBlob(http.StatusOK, buf.Bytes())
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI
func OAuthRedirectHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, oauthRedirectHTML)
}

type docsData struct {
	SpecURL     string
	RedirectURL string
	ClientID    string
	HasClientID bool
}

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>msgflow API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: {{.SpecURL}},
      dom_id: "#swagger-ui",
      oauth2RedirectUrl: {{.RedirectURL}},
      persistAuthorization: true,
    });
    {{if .HasClientID}}ui.initOAuth({ clientId: {{.ClientID}}, usePkceWithAuthorizationCodeGrant: true });{{end}}
    window.ui = ui;
  };
  </script>
</body>
</html>`))
const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`
