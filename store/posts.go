package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"microblog/domain"
)

const postColumns = `SELECT p.id, p.title, p.content, p.created_at, u.id, u.email
FROM posts p
LEFT JOIN users_posts up ON up.post_id = p.id AND up.relation_type = $1
LEFT JOIN users u ON u.id = up.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (domain.Post, error) {
	var (
		p           domain.Post
		createdAt   int64
		authorID    sql.NullString
		authorEmail sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &createdAt, &authorID, &authorEmail); err != nil {
		return domain.Post{}, err
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	if authorID.Valid {
		p.Author = &domain.User{ID: authorID.String, Email: authorEmail.String}
	}
	return p, nil
}

// Feed returns every post with its author, newest first.
func (s *DB) Feed(ctx context.Context) ([]domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, postColumns+" ORDER BY p.created_at DESC, p.id DESC", linkTables["postsAuthor"].relation)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()

	posts := []domain.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *DB) Post(ctx context.Context, id string) (domain.Post, error) {
	row := s.db.QueryRowContext(ctx, postColumns+" WHERE p.id = $2", linkTables["postsAuthor"].relation, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Post{}, fmt.Errorf("query post: %w", err)
	}
	return p, nil
}
