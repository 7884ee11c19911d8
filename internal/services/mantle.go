package services

import (
	"strings"

	"go.uber.org/zap"
)

type MantleStore interface {
	// GetMantle returns the current alias holder ("" when unclaimed) and
	// whether a keyphrase contest is open.
	GetMantle() (alias string, phraseCallActive bool, err error)
	SetAlias(alias string) error
	SetPhraseCall(active bool) error
	// ListActiveRecipients lists known identities that have not opted out.
	ListActiveRecipients() ([]string, error)
}

// MantleService tracks the narrator alias and the keyphrase contest that
// can pass it. The core consumes it only through CurrentAlias.
type MantleService struct {
	store        MantleStore
	gateway      Gateway
	log          *zap.Logger
	defaultAlias string
	riddle       string
	keyphrase    string
}

func NewMantleService(store MantleStore, gateway Gateway, defaultAlias, riddle, keyphrase string, log *zap.Logger) *MantleService {
	return &MantleService{
		store:        store,
		gateway:      gateway,
		log:          log,
		defaultAlias: defaultAlias,
		riddle:       riddle,
		keyphrase:    keyphrase,
	}
}

func (s *MantleService) CurrentAlias() string {
	alias, _, err := s.store.GetMantle()
	if err != nil {
		s.log.Warn("load mantle", zap.Error(err))
		return s.defaultAlias
	}
	if alias == "" {
		return s.defaultAlias
	}
	return alias
}

// OpenPhraseCall starts a contest round and sends the riddle to every
// active identity, best-effort.
func (s *MantleService) OpenPhraseCall() error {
	if err := s.store.SetPhraseCall(true); err != nil {
		return err
	}
	recipients, err := s.store.ListActiveRecipients()
	if err != nil {
		s.log.Warn("list recipients for phrase call", zap.Error(err))
		return nil
	}
	for _, to := range recipients {
		if out := s.gateway.Send(to, s.riddle); !out.Delivered {
			s.log.Warn("phrase call not delivered",
				zap.String("to", MaskIdentity(to)), zap.String("reason", out.Reason))
		}
	}
	return nil
}

// TryClaim checks an inbound body against the keyphrase while a contest is
// open. A successful claim sets the alias to the claimant's masked
// identity and closes the contest.
func (s *MantleService) TryClaim(sender, body string) (bool, error) {
	_, active, err := s.store.GetMantle()
	if err != nil {
		return false, err
	}
	if !active || !strings.EqualFold(strings.TrimSpace(body), s.keyphrase) {
		return false, nil
	}
	if err := s.store.SetAlias(MaskIdentity(sender)); err != nil {
		return false, err
	}
	if err := s.store.SetPhraseCall(false); err != nil {
		return false, err
	}
	if out := s.gateway.Send(sender, "The mantle passes. Wear it quietly."); !out.Delivered {
		s.log.Warn("mantle claim reply not delivered",
			zap.String("to", MaskIdentity(sender)), zap.String("reason", out.Reason))
	}
	return true, nil
}
