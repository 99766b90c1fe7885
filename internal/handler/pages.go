package handler

import (
	"html"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/saas-auth/internal/middleware"
)

// Page renders a placeholder for an application page. The route guard has
// already decided the request may see it.
func Page(title string) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := "<h1>" + html.EscapeString(title) + "</h1>"
		if s, ok := middleware.SessionFrom(c); ok {
			body += "<p>Signed in as " + html.EscapeString(s.Identity.Email) + "</p>"
		}
		if msg := c.QueryParam("error"); msg != "" {
			body += `<p class="error">` + html.EscapeString(msg) + "</p>"
		}
		return c.HTML(http.StatusOK, page(title, body))
	}
}

// ErrorPage is the operator-facing page for configuration errors.
func ErrorPage(c echo.Context) error {
	msg := c.QueryParam("message")
	if msg == "" {
		msg = "Something went wrong."
	}
	return c.HTML(http.StatusInternalServerError,
		page("Error", "<h1>Error</h1><p>"+html.EscapeString(msg)+"</p>"))
}

func page(title, body string) string {
	return `<!doctype html><html><head><meta charset="utf-8"><title>` +
		html.EscapeString(title) + `</title></head><body>` + body + `</body></html>`
}
