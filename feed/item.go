package feed

import (
	"html/template"
	"time"

	"microblog/domain"
	"microblog/markup"
)

// Item is a post as the feed shows it.
type Item struct {
	ID          string        `json:"id"`
	Title       template.HTML `json:"title"`
	ContentHTML template.HTML `json:"contentHtml"`
	AuthorEmail string        `json:"authorEmail,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type Snapshot struct {
	Posts []Item `json:"posts"`
}

func View(posts []domain.Post) []Item {
	items := make([]Item, 0, len(posts))
	for _, p := range posts {
		it := Item{
			ID:          p.ID,
			Title:       markup.Text(p.Title),
			ContentHTML: markup.Content(p.Content),
			CreatedAt:   p.CreatedAt,
		}
		if p.Author != nil {
			it.AuthorEmail = p.Author.Email
		}
		items = append(items, it)
	}
	return items
}
