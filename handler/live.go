package handler

import (
	"github.com/labstack/echo/v4"
)

// Live streams the feed over a websocket. Upgrade failures have already been
// answered by the upgrader.
func (h *Handler) Live(c echo.Context) error {
	if err := h.Hub.ServeWS(c.Response(), c.Request()); err != nil {
		c.Logger().Warnf("live feed: %v", err)
	}
	return nil
}
