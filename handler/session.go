package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"microblog/auth"
	"microblog/domain"
	"microblog/store"
)

const pendingCookie = "microblog_pending"

// viewer resolves the signed-in user: the session middleware vouches for the
// token, the lookup makes sure the user still exists.
func (h *Handler) viewer(c echo.Context) (*domain.User, error) {
	claims, ok := c.Get(SessionKey).(*auth.SessionClaims)
	if !ok {
		return nil, nil
	}
	u, err := h.DB.UserByID(c.Request().Context(), claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// widget is the auth widget as it stands for this request.
func (h *Handler) widget(c echo.Context) auth.Widget {
	u, err := h.viewer(c)
	if err != nil {
		c.Logger().Errorf("resolve session: %v", err)
	}
	return auth.Resolve(u, pendingEmail(c), err)
}

func pendingEmail(c echo.Context) string {
	cookie, err := c.Cookie(pendingCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *Handler) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.Environment != "dev",
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *Handler) clearCookie(c echo.Context, name string) {
	cookie := h.cookie(name, "", time.Now().Add(-1*time.Second))
	cookie.MaxAge = -1
	c.SetCookie(cookie)
}

func (h *Handler) startSession(c echo.Context, u domain.User) error {
	token, exp, err := h.Sessions.Issue(u)
	if err != nil {
		return err
	}
	c.SetCookie(h.cookie(auth.SessionCookie, token, exp))
	h.clearCookie(c, pendingCookie)
	return nil
}
