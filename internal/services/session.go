package services

import "time"

type TokenIssueStore interface {
	InsertToken(t *SessionToken) error
}

// SessionTokens issues per-recipient response windows.
//
// Solo stakes apply even to non-engagement, so a solo deadline counts down
// from send. Mirrored stakes depend on both parties actually engaging, so a
// mirrored deadline stays unarmed until the recipient first views the
// session (ResponseCollector.View).
type SessionTokens struct {
	store      TokenIssueStore
	soloWindow time.Duration
	now        func() time.Time
	idGen      func() string
}

func NewSessionTokens(store TokenIssueStore, soloWindow time.Duration) *SessionTokens {
	return &SessionTokens{
		store:      store,
		soloWindow: soloWindow,
		now:        func() time.Time { return time.Now().UTC() },
		idGen:      NewSessionTokenID,
	}
}

func (s *SessionTokens) Issue(chainID, recipient string, mode ChainMode) (*SessionToken, error) {
	t := &SessionToken{
		ID:        s.idGen(),
		ChainID:   chainID,
		Recipient: recipient,
		Mode:      mode,
		SentAt:    s.now(),
	}
	if mode == ModeSingle {
		deadline := t.SentAt.Add(s.soloWindow)
		t.Deadline = &deadline
	}
	if err := s.store.InsertToken(t); err != nil {
		return nil, err
	}
	return t, nil
}
