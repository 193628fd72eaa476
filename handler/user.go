package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"microblog/auth"
	"microblog/middleware"
)

func (h *Handler) SendCode(c echo.Context) error {
	w := h.widget(c).SubmitEmail(c.Request().Context(), h.Auth, c.FormValue("email"))
	switch {
	case w.State == auth.StateAwaitingCode:
		c.SetCookie(h.cookie(pendingCookie, w.SentTo, time.Now().Add(h.codeTTL())))
	case w.Err != "":
		return h.renderIndex(c, http.StatusUnprocessableEntity, w)
	}
	return c.Redirect(http.StatusFound, "/")
}

func (h *Handler) VerifyCode(c echo.Context) error {
	if err := h.allowVerify(c, pendingEmail(c)); err != nil {
		return err
	}
	w := h.widget(c).SubmitCode(c.Request().Context(), h.Auth, c.FormValue("code"))
	switch {
	case w.State == auth.StateAuthenticated:
		if err := h.startSession(c, *w.User); err != nil {
			return err
		}
	case w.Err != "":
		return h.renderIndex(c, http.StatusUnprocessableEntity, w)
	}
	return c.Redirect(http.StatusFound, "/")
}

func (h *Handler) CancelCode(c echo.Context) error {
	h.clearCookie(c, pendingCookie)
	return c.Redirect(http.StatusFound, "/")
}

func (h *Handler) Logout(c echo.Context) error {
	h.clearCookie(c, auth.SessionCookie)
	return c.Redirect(http.StatusFound, "/")
}

// allowVerify limits code guesses per address, whichever IP they come from.
func (h *Handler) allowVerify(c echo.Context, email string) error {
	email = auth.NormalizeEmail(email)
	if h.Redis == nil || h.CodeRateLimit <= 0 || email == "" {
		return nil
	}
	ok, err := middleware.CheckRateLimit(c.Request().Context(), h.Redis, "magic-code-verify-email", email, h.CodeRateLimit, codeWindow)
	if err != nil {
		c.Logger().Warnf("rate limit check failed: %v", err)
		return nil
	}
	if !ok {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts for this address, try again later")
	}
	return nil
}

type codeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func authError(err error) error {
	if errors.Is(err, auth.ErrInvalidEmail) || errors.Is(err, auth.ErrInvalidCode) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

func (h *Handler) APISendCode(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.Auth.SendMagicCode(c.Request().Context(), req.Email); err != nil {
		return authError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"sentTo": auth.NormalizeEmail(req.Email)})
}

func (h *Handler) APIVerifyCode(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.allowVerify(c, req.Email); err != nil {
		return err
	}
	u, err := h.Auth.SignInWithMagicCode(c.Request().Context(), req.Email, req.Code)
	if err != nil {
		return authError(err)
	}
	if err := h.startSession(c, u); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user": u})
}

func (h *Handler) APISignOut(c echo.Context) error {
	h.clearCookie(c, auth.SessionCookie)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) APIMe(c echo.Context) error {
	u, err := h.viewer(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user": u})
}
