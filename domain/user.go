package domain

import (
	"time"
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type MagicCode struct {
	Email     string
	CodeHash  []byte
	Attempts  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (m MagicCode) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}
