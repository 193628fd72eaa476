package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"microblog/domain"
)

const (
	SessionCookie = "microblog_session"
	SessionTTL    = 7 * 24 * time.Hour
)

type SessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (c *SessionClaims) User() domain.User {
	return domain.User{ID: c.Subject, Email: c.Email}
}

// Sessions issues and parses the signed tokens kept in the session cookie.
type Sessions struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret, issuer string) (*Sessions, error) {
	if secret == "" {
		return nil, errors.New("missing secret")
	}
	return &Sessions{secret: []byte(secret), issuer: issuer, ttl: SessionTTL, now: time.Now}, nil
}

func (s *Sessions) Issue(u domain.User) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionClaims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Sessions) Parse(raw string) (*SessionClaims, error) {
	claims := new(SessionClaims)
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		// SigningMethodHMAC implements the HMAC-SHA family of signing methods.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}
