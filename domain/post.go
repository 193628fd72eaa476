package domain

import (
	"errors"
	"strings"
	"time"
)

var ErrEmptyPost = errors.New("title and content must not be empty")

type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Author    *User     `json:"author,omitempty"`
}

// PostInput is what the composer submits. Both fields are stored trimmed.
type PostInput struct {
	Title   string
	Content string
}

func NewPostInput(title, content string) (PostInput, error) {
	in := PostInput{
		Title:   strings.TrimSpace(title),
		Content: strings.TrimSpace(content),
	}
	if in.Title == "" || in.Content == "" {
		return PostInput{}, ErrEmptyPost
	}
	return in, nil
}
