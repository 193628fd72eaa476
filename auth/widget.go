package auth

import (
	"context"
	"strings"

	"microblog/domain"
)

type State string

const (
	StateLoading       State = "loading"
	StateError         State = "error"
	StateAuthenticated State = "authenticated"
	StateAwaitingEmail State = "anonymous-awaiting-email"
	StateAwaitingCode  State = "anonymous-awaiting-code"
)

type Authenticator interface {
	SendMagicCode(ctx context.Context, email string) error
	SignInWithMagicCode(ctx context.Context, email, code string) (domain.User, error)
}

// Widget is the sign-in box. Transitions return the next widget and never
// mutate the receiver.
type Widget struct {
	State  State        `json:"state"`
	User   *domain.User `json:"user,omitempty"`
	SentTo string       `json:"sentTo,omitempty"`
	Err    string       `json:"error,omitempty"`
}

func Loading() Widget { return Widget{State: StateLoading} }

// Resolve settles a loading widget once the session lookup finished.
// sentTo is the address a code was already sent to, if any.
func Resolve(user *domain.User, sentTo string, err error) Widget {
	switch {
	case err != nil:
		return Widget{State: StateError, Err: err.Error()}
	case user != nil:
		return Widget{State: StateAuthenticated, User: user}
	case sentTo != "":
		return Widget{State: StateAwaitingCode, SentTo: sentTo}
	}
	return Widget{State: StateAwaitingEmail}
}

func (w Widget) SubmitEmail(ctx context.Context, a Authenticator, email string) Widget {
	email = strings.TrimSpace(email)
	if w.State != StateAwaitingEmail || email == "" {
		return w
	}
	if err := a.SendMagicCode(ctx, email); err != nil {
		return Widget{State: StateAwaitingEmail, Err: err.Error()}
	}
	return Widget{State: StateAwaitingCode, SentTo: NormalizeEmail(email)}
}

func (w Widget) SubmitCode(ctx context.Context, a Authenticator, code string) Widget {
	code = strings.TrimSpace(code)
	if w.State != StateAwaitingCode || code == "" {
		return w
	}
	u, err := a.SignInWithMagicCode(ctx, w.SentTo, code)
	if err != nil {
		return Widget{State: StateAwaitingCode, SentTo: w.SentTo, Err: err.Error()}
	}
	return Widget{State: StateAuthenticated, User: &u}
}

func (w Widget) Cancel() Widget {
	if w.State != StateAwaitingCode {
		return w
	}
	return Widget{State: StateAwaitingEmail}
}

func (w Widget) SignOut() Widget {
	if w.State != StateAuthenticated {
		return w
	}
	return Widget{State: StateAwaitingEmail}
}
