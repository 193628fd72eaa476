package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"microblog/auth"
	"microblog/domain"
	"microblog/feed"
	"microblog/metrics"
	"microblog/schema"
	"microblog/store"
)

type PageData struct {
	Widget auth.Widget
	Posts  []feed.Item
	Client domain.ClientConfig
}

func (h *Handler) GetPosts(c echo.Context) error {
	return h.renderIndex(c, http.StatusOK, h.widget(c))
}

func (h *Handler) renderIndex(c echo.Context, status int, w auth.Widget) error {
	posts, err := h.DB.Feed(c.Request().Context())
	if err != nil {
		return err
	}
	return c.Render(status, "index.html", PageData{
		Widget: w,
		Posts:  feed.View(posts),
		Client: h.clientConfig(w.User),
	})
}

// createPost writes the post and, for a signed-in author, the author link
// in one transaction so the post never shows up without its author.
func (h *Handler) createPost(c echo.Context, title, content string) (domain.Post, error) {
	in, err := domain.NewPostInput(title, content)
	if err != nil {
		return domain.Post{}, err
	}
	author, err := h.viewer(c)
	if err != nil {
		c.Logger().Warnf("posting anonymously, session lookup failed: %v", err)
	}

	p := domain.Post{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
		Author:    author,
	}
	ops := []store.Op{store.Posts(p.ID).Update(map[string]any{
		"title":     p.Title,
		"content":   p.Content,
		"createdAt": p.CreatedAt,
	})}
	if author != nil {
		ops = append(ops, store.Posts(p.ID).Link(schema.AuthorLink, author.ID))
	}

	// the write outlives a client that stops waiting for it
	ctx := context.WithoutCancel(c.Request().Context())
	if err := h.DB.Transact(ctx, ops...); err != nil {
		metrics.MutationErrorsTotal.WithLabelValues("create").Inc()
		return domain.Post{}, err
	}
	metrics.PostsCreatedTotal.WithLabelValues(strconv.FormatBool(author != nil)).Inc()
	return p, nil
}

func (h *Handler) deletePost(c echo.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid post id")
	}
	ctx := context.WithoutCancel(c.Request().Context())
	if err := h.DB.Transact(ctx, store.Posts(id).Delete()); err != nil {
		metrics.MutationErrorsTotal.WithLabelValues("delete").Inc()
		return err
	}
	metrics.PostsDeletedTotal.Inc()
	return nil
}

// NewPost handles the composer form. Whatever happens, the browser goes back
// to a fresh page with empty inputs.
func (h *Handler) NewPost(c echo.Context) error {
	_, err := h.createPost(c, c.FormValue("title"), c.FormValue("content"))
	if err != nil && !errors.Is(err, domain.ErrEmptyPost) {
		c.Logger().Errorf("create post: %v", err)
	}
	return c.Redirect(http.StatusFound, "/")
}

func (h *Handler) DeletePost(c echo.Context) error {
	if err := h.deletePost(c, c.Param("id")); err != nil {
		c.Logger().Errorf("delete post %s: %v", c.Param("id"), err)
	}
	return c.Redirect(http.StatusFound, "/")
}

type postRequest struct {
	Title   string `json:"title" form:"title"`
	Content string `json:"content" form:"content"`
}

func (h *Handler) APIGetPosts(c echo.Context) error {
	posts, err := h.DB.Feed(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"posts": posts})
}

func (h *Handler) APIGetPost(c echo.Context) error {
	p, err := h.DB.Post(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "post not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) APINewPost(c echo.Context) error {
	var req postRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.createPost(c, req.Title, req.Content)
	if errors.Is(err, domain.ErrEmptyPost) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) APIDeletePost(c echo.Context) error {
	if err := h.deletePost(c, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
