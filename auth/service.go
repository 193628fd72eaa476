// Package auth signs users in with one-time codes sent to their email and
// hands out session tokens for them.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"microblog/domain"
	"microblog/metrics"
	"microblog/store"
)

const (
	DefaultCodeTTL  = 10 * time.Minute
	// MaxCodeAttempts wrong guesses burn the code.
	MaxCodeAttempts = 5
	codeDigits      = 6
)

var (
	ErrInvalidEmail = errors.New("please enter a valid email address")
	ErrInvalidCode  = errors.New("invalid or expired code")
)

type Store interface {
	SaveMagicCode(ctx context.Context, m domain.MagicCode) error
	MagicCode(ctx context.Context, email string) (domain.MagicCode, error)
	FailMagicCode(ctx context.Context, email string) (int, error)
	DeleteMagicCode(ctx context.Context, email string) error
	EnsureUser(ctx context.Context, email string) (domain.User, error)
}

type Mailer interface {
	SendMagicCode(ctx context.Context, email, code string) error
}

// CodeGenerator returns a fresh one-time code.
type CodeGenerator func() (string, error)

type Service struct {
	store    Store
	mailer   Mailer
	log      echo.Logger
	validate *validator.Validate
	ttl      time.Duration
	generate CodeGenerator
	now      func() time.Time
}

type Option func(*Service)

func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithCodeGenerator(g CodeGenerator) Option {
	return func(s *Service) { s.generate = g }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st Store, mailer Mailer, logger echo.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		mailer:   mailer,
		log:      logger,
		validate: validator.New(),
		ttl:      DefaultCodeTTL,
		generate: RandomCode,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RandomCode returns a uniformly random six digit code.
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) SendMagicCode(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		metrics.MagicCodesSentTotal.WithLabelValues("invalid").Inc()
		return ErrInvalidEmail
	}

	code, err := s.generate()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	now := s.now().UTC()
	err = s.store.SaveMagicCode(ctx, domain.MagicCode{
		Email:     email,
		CodeHash:  hash,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	})
	if err != nil {
		metrics.MagicCodesSentTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := s.mailer.SendMagicCode(ctx, email, code); err != nil {
		metrics.MagicCodesSentTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("send code to %s: %w", email, err)
	}
	metrics.MagicCodesSentTotal.WithLabelValues("sent").Inc()
	s.log.Infof("magic code sent to %s", email)
	return nil
}

// SignInWithMagicCode exchanges a code for the user owning email. A code
// works once.
func (s *Service) SignInWithMagicCode(ctx context.Context, email, code string) (domain.User, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)

	m, err := s.store.MagicCode(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		metrics.SignInsTotal.WithLabelValues("rejected").Inc()
		return domain.User{}, ErrInvalidCode
	}
	if err != nil {
		metrics.SignInsTotal.WithLabelValues("error").Inc()
		return domain.User{}, err
	}

	if m.Expired(s.now()) {
		if err := s.store.DeleteMagicCode(ctx, email); err != nil {
			s.log.Warnf("dropping expired code for %s: %v", email, err)
		}
		metrics.SignInsTotal.WithLabelValues("expired").Inc()
		return domain.User{}, ErrInvalidCode
	}
	if m.Attempts >= MaxCodeAttempts {
		s.burnCode(ctx, email)
		metrics.SignInsTotal.WithLabelValues("locked").Inc()
		return domain.User{}, ErrInvalidCode
	}
	if bcrypt.CompareHashAndPassword(m.CodeHash, []byte(code)) != nil {
		attempts, err := s.store.FailMagicCode(ctx, email)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warnf("counting failed attempt for %s: %v", email, err)
		}
		if attempts >= MaxCodeAttempts {
			s.burnCode(ctx, email)
		}
		metrics.SignInsTotal.WithLabelValues("rejected").Inc()
		return domain.User{}, ErrInvalidCode
	}

	if err := s.store.DeleteMagicCode(ctx, email); err != nil {
		metrics.SignInsTotal.WithLabelValues("error").Inc()
		return domain.User{}, err
	}
	u, err := s.store.EnsureUser(ctx, email)
	if err != nil {
		metrics.SignInsTotal.WithLabelValues("error").Inc()
		return domain.User{}, err
	}
	metrics.SignInsTotal.WithLabelValues("ok").Inc()
	s.log.Infof("user %s signed in", u.ID)
	return u, nil
}

func (s *Service) burnCode(ctx context.Context, email string) {
	if err := s.store.DeleteMagicCode(ctx, email); err != nil {
		s.log.Warnf("dropping code for %s after %d failed attempts: %v", email, MaxCodeAttempts, err)
		return
	}
	s.log.Warnf("code for %s dropped after %d failed attempts", email, MaxCodeAttempts)
}
