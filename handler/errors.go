package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrorHandler answers API requests with JSON and everything else with the
// error page.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := http.StatusText(code)
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		message = fmt.Sprint(he.Message)
	}
	if code != http.StatusNotFound {
		c.Logger().Error(err)
	}

	if strings.HasPrefix(c.Request().URL.Path, "/api/") {
		err = c.JSON(code, map[string]string{"error": message})
	} else {
		err = c.Render(code, "error.html", map[string]any{"Code": code, "Message": message})
	}
	if err != nil {
		c.Logger().Error(err)
	}
}
