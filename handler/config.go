package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"microblog/domain"
	"microblog/schema"
)

func (h *Handler) clientConfig(u *domain.User) domain.ClientConfig {
	cfg := h.Client
	cfg.Schema = schema.App
	cfg.User = u
	return cfg
}

// GetConfig tells a browser client which app and endpoints to use and who
// it is signed in as.
func (h *Handler) GetConfig(c echo.Context) error {
	u, err := h.viewer(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.clientConfig(u))
}
