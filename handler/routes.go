package handler

import (
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microblog/auth"
	"microblog/middleware"
	"microblog/web"
)

// Routes wires every endpoint onto e.
func (h *Handler) Routes(e *echo.Echo) {
	e.HTTPErrorHandler = ErrorHandler
	e.Renderer = web.NewTemplateRegistry()

	// A bad or missing session just means an anonymous visitor.
	e.Use(echojwt.WithConfig(echojwt.Config{
		ContextKey:  SessionKey,
		TokenLookup: "cookie:" + auth.SessionCookie,
		ParseTokenFunc: func(c echo.Context, token string) (interface{}, error) {
			return h.Sessions.Parse(token)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return nil
		},
		ContinueOnIgnoredError: true,
	}))

	// Without a configured proxy the peer address is the client; headers
	// like X-Forwarded-For are not trusted.
	if e.IPExtractor == nil {
		e.IPExtractor = echo.ExtractIPDirect()
	}
	sendLimit := middleware.RateLimit(h.Redis, "magic-code-send", h.CodeRateLimit, codeWindow)
	verifyLimit := middleware.RateLimit(h.Redis, "magic-code-verify", h.CodeRateLimit, codeWindow)

	// Frontend
	e.GET("/", h.GetPosts)
	e.GET("/live", h.Live)
	e.StaticFS("/static", web.Assets())

	// Form backend
	e.POST("/posts", h.NewPost)
	e.POST("/posts/:id/delete", h.DeletePost)
	e.POST("/auth/code", h.SendCode, sendLimit)
	e.POST("/auth/verify", h.VerifyCode, verifyLimit)
	e.POST("/auth/cancel", h.CancelCode)
	e.POST("/auth/signout", h.Logout)
	e.GET("/logout", h.Logout)

	// JSON
	api := e.Group("/api")
	api.GET("/config", h.GetConfig)
	api.GET("/me", h.APIMe)
	api.GET("/posts", h.APIGetPosts)
	api.GET("/posts/:id", h.APIGetPost)
	api.POST("/posts", h.APINewPost)
	api.DELETE("/posts/:id", h.APIDeletePost)
	api.POST("/auth/code", h.APISendCode, sendLimit)
	api.POST("/auth/verify", h.APIVerifyCode, verifyLimit)
	api.POST("/auth/signout", h.APISignOut)
}

// MetricsRoutes exposes the Prometheus registry. It goes on the internal
// listener, never on the public one.
func MetricsRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
