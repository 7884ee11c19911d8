package services

import (
	"strings"
	"time"
)

type ConsentStore interface {
	GetUser(id string) (*User, error)
	UpsertUser(u *User) error
}

// ConsentService keeps opt-out bookkeeping. The model is opt-out: an
// identity nobody has heard from is fair game, a STOP is durable until a
// START.
type ConsentService struct {
	store ConsentStore
	now   func() time.Time
}

func NewConsentService(store ConsentStore) *ConsentService {
	return &ConsentService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ConsentService) IsConsented(id string) (bool, error) {
	u, err := s.store.GetUser(id)
	if err != nil {
		return false, err
	}
	return u == nil || !u.OptedOut, nil
}

func (s *ConsentService) OptOut(id string) error {
	return s.store.UpsertUser(&User{ID: id, OptedOut: true, UpdatedAt: s.now()})
}

func (s *ConsentService) OptIn(id string) error {
	return s.store.UpsertUser(&User{ID: id, OptedOut: false, UpdatedAt: s.now()})
}

// HandleKeyword applies standard SMS compliance keywords. It reports
// whether the body was a keyword; a keyword body never reaches the game.
func (s *ConsentService) HandleKeyword(sender, body string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "STOP", "STOPALL", "UNSUBSCRIBE", "QUIT":
		return true, s.OptOut(sender)
	case "START", "UNSTOP":
		return true, s.OptIn(sender)
	}
	return false, nil
}
