package services

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

type AdjudicationStore interface {
	GetChain(id string) (*Chain, error)
	ListTokensByChain(chainID string) ([]*SessionToken, error)
	// MarkAdjudicated attaches the verdict and moves the chain terminal;
	// false means a concurrent trigger already claimed it.
	MarkAdjudicated(id string, v *Verdict) (bool, error)
	AppendChainEvent(chainID string, ev Event) error
}

// AdjudicationEngine is the terminal action of the chain state machine. It
// runs at most once per chain: the verdict write is a status-guarded
// compare-and-set, so a redundant solo timer racing a quorum trigger
// resolves to one winner and one no-op.
type AdjudicationEngine struct {
	store      AdjudicationStore
	gateway    Gateway
	alias      AliasSource
	log        *zap.Logger
	revealProb float64

	now       func() time.Time
	randFloat func() float64
	randIntn  func(int) int
}

func NewAdjudicationEngine(store AdjudicationStore, gateway Gateway, alias AliasSource, revealProb float64, log *zap.Logger) *AdjudicationEngine {
	return &AdjudicationEngine{
		store:      store,
		gateway:    gateway,
		alias:      alias,
		log:        log,
		revealProb: revealProb,
		now:        func() time.Time { return time.Now().UTC() },
		randFloat:  defaultRandFloat,
		randIntn:   defaultRandIntn,
	}
}

func (e *AdjudicationEngine) Adjudicate(chainID string) {
	ch, err := e.store.GetChain(chainID)
	if err != nil {
		e.log.Error("load chain for adjudication", zap.String("chain", chainID), zap.Error(err))
		return
	}
	if ch == nil || ch.Status == ChainAdjudicated {
		return
	}
	tokens, err := e.store.ListTokensByChain(chainID)
	if err != nil {
		e.log.Error("load tokens for adjudication", zap.String("chain", chainID), zap.Error(err))
		return
	}

	var verdict *Verdict
	var deliver func()
	if ch.Mode == ModeMirrored {
		verdict, deliver = e.judgeMirrored(ch, tokens)
	} else {
		verdict, deliver = e.judgeSingle(ch, tokens)
	}

	claimed, err := e.store.MarkAdjudicated(chainID, verdict)
	if err != nil {
		e.log.Error("persist verdict", zap.String("chain", chainID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	if err := e.store.AppendChainEvent(chainID, Event{
		Type: "adjudicated", At: verdict.DecidedAt,
		Payload: map[string]any{"mode": string(verdict.Mode), "tier": string(verdict.Tier)},
	}); err != nil {
		e.log.Warn("append verdict event", zap.String("chain", chainID), zap.Error(err))
	}

	// Adjudication is complete once the verdict is persisted; delivery is
	// best-effort and never rolls anything back.
	deliver()
}

func (e *AdjudicationEngine) judgeSingle(ch *Chain, tokens []*SessionToken) (*Verdict, func()) {
	actor := ""
	if len(ch.Recipients) > 0 {
		actor = ch.Recipients[0]
	}
	var best *SessionToken
	for _, t := range tokens {
		if !t.Answered() {
			continue
		}
		if best == nil || (t.UsedAt != nil && best.UsedAt != nil && t.UsedAt.After(*best.UsedAt)) {
			best = t
		}
	}
	v := &Verdict{Mode: ModeSingle, Actor: actor, DecidedAt: e.now()}
	if best != nil {
		v.Actor = best.Recipient
		v.Answer = best.Response
	}

	reveal := e.randFloat() < e.revealProb && v.Answer != nil && *v.Answer != ""
	var target string
	if reveal {
		var others []string
		for _, p := range ch.Participants {
			if p != v.Actor {
				others = append(others, p)
			}
		}
		if len(others) > 0 {
			target = others[e.randIntn(len(others))]
		}
	}

	actorID, answer := v.Actor, v.Answer
	return v, func() {
		if reveal {
			// A sole participant leaves the reveal without an audience;
			// nothing goes out.
			if target != "" {
				body := MaskIdentity(actorID) + " → " + MaskIdentity(target) + ": \"" + *answer + "\""
				e.send(target, body)
			}
			return
		}
		if actorID != "" {
			e.send(actorID, e.closingLine())
		}
	}
}

func (e *AdjudicationEngine) judgeMirrored(ch *Chain, tokens []*SessionToken) (*Verdict, func()) {
	// One entry per recipient slot, in insertion order. Recipient slots can
	// repeat when the selector collapsed, so tokens are consumed as they
	// match rather than looked up by identity.
	remaining := append([]*SessionToken(nil), tokens...)
	entries := make([]VerdictEntry, 0, len(ch.Recipients))
	for _, r := range ch.Recipients {
		entry := VerdictEntry{Recipient: r}
		for i, t := range remaining {
			if t.Recipient != r {
				continue
			}
			if t.Answered() {
				entry.Text = *t.Response
				entry.Score = ExposureScore(entry.Text)
				entry.Answered = true
			}
			remaining = append(remaining[:i], remaining[i+1:]...)
			break
		}
		entries = append(entries, entry)
	}

	// Descending by score; ties keep insertion order.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })

	v := &Verdict{Mode: ModeMirrored, Entries: entries, DecidedAt: e.now()}
	if len(entries) > 0 {
		v.Winner = entries[0].Recipient
	}
	if len(entries) > 1 {
		v.Loser = entries[1].Recipient
	}

	roll := e.randFloat()
	switch {
	case roll < 0.55:
		v.Tier = RevealBoth
	case roll < 0.85:
		v.Tier = RevealWinner
	default:
		v.Tier = RevealNone
	}

	verdict := *v
	participants := ch.Participants
	return v, func() {
		e.broadcast(participants, MaskIdentity(verdict.Winner)+" leaned nearest the abyss.")
		switch verdict.Tier {
		case RevealBoth:
			for _, entry := range verdict.Entries {
				e.broadcast(participants, MaskIdentity(entry.Recipient)+": \""+entry.Text+"\"")
			}
		case RevealWinner:
			winner := verdict.Entries[0]
			e.broadcast(participants, MaskIdentity(winner.Recipient)+": \""+winner.Text+"\" The other half stays withheld.")
		case RevealNone:
			e.broadcast(participants, e.closingLine())
		}
	}
}

func (e *AdjudicationEngine) closingLine() string {
	return e.alias.CurrentAlias() + " has heard enough. The chain rests."
}

func (e *AdjudicationEngine) broadcast(to []string, body string) {
	for _, id := range to {
		e.send(id, body)
	}
}

func (e *AdjudicationEngine) send(to, body string) {
	if out := e.gateway.Send(to, body); !out.Delivered {
		e.log.Warn("verdict message not delivered",
			zap.String("to", MaskIdentity(to)), zap.String("reason", out.Reason))
	}
}
