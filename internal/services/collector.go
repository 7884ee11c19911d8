package services

import (
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

type CollectorStore interface {
	GetToken(id string) (*SessionToken, error)
	GetChain(id string) (*Chain, error)
	// OpenToken sets openedAt/deadline once; false means another view won.
	OpenToken(id string, openedAt, deadline time.Time) (bool, error)
	// ClaimToken flips used false->true; false means the token was already
	// claimed. A nil response records an expiry claim.
	ClaimToken(id string, response *string, usedAt time.Time) (bool, error)
	AppendChainEvent(chainID string, ev Event) error
	ListTokensByChain(chainID string) ([]*SessionToken, error)
	InsertJob(j *ScheduledJob) error
	DeleteJob(id string) error
	// LatestOpenTokenForRecipient returns the most recently issued token for
	// the recipient that is unused and not past its deadline, or nil.
	LatestOpenTokenForRecipient(recipient string, now time.Time) (*SessionToken, error)
}

type SubmitStatus string

const (
	SubmitAccepted    SubmitStatus = "accepted"
	SubmitAlreadyUsed SubmitStatus = "already_used"
	SubmitExpired     SubmitStatus = "expired"
)

// SessionView is what the session page renders.
type SessionView struct {
	ChainID          string
	Question         string
	RemainingSeconds int
	Used             bool
}

// ResponseCollector accepts answers for session tokens. The web form and
// the inbound SMS webhook are both adapters over the one Submit operation;
// the store's claim is the linearization point, so two racing submissions
// cannot both be accepted.
type ResponseCollector struct {
	store          CollectorStore
	adjudicator    Adjudicator
	log            *zap.Logger
	mirroredWindow time.Duration
	completionWait time.Duration
	now            func() time.Time
	after          func(d time.Duration, f func())
}

func NewResponseCollector(store CollectorStore, adjudicator Adjudicator, mirroredWindow time.Duration, log *zap.Logger) *ResponseCollector {
	return &ResponseCollector{
		store:          store,
		adjudicator:    adjudicator,
		log:            log,
		mirroredWindow: mirroredWindow,
		completionWait: 250 * time.Millisecond,
		now:            func() time.Time { return time.Now().UTC() },
		after:          func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// View reports the session state for a token. The first view of a mirrored
// token arms its deadline; later views never re-arm it.
func (c *ResponseCollector) View(tokenID string) (*SessionView, error) {
	t, ch, err := c.lookup(tokenID)
	if err != nil {
		return nil, err
	}

	if t.Mode == ModeMirrored && t.Deadline == nil {
		now := c.now()
		deadline := now.Add(c.mirroredWindow)
		opened, err := c.store.OpenToken(t.ID, now, deadline)
		if err != nil {
			return nil, err
		}
		if opened {
			t.OpenedAt, t.Deadline = &now, &deadline
			c.armDeadline(ch.ID, deadline)
		} else {
			// Lost the race to a concurrent first view; its deadline stands.
			if t, err = c.store.GetToken(tokenID); err != nil {
				return nil, err
			}
		}
	}

	view := &SessionView{ChainID: ch.ID, Question: ch.Question, Used: t.Used}
	if t.Deadline != nil {
		view.RemainingSeconds = remainingSeconds(*t.Deadline, c.now())
	}
	return view, nil
}

// Submit resolves a token to exactly one of accepted, already-used, or
// expired. An expired submission still consumes the token: the window
// closing is itself the terminal outcome.
func (c *ResponseCollector) Submit(tokenID, text string) (SubmitStatus, error) {
	t, ch, err := c.lookup(tokenID)
	if err != nil {
		return "", err
	}
	if t.Used {
		return SubmitAlreadyUsed, nil
	}

	now := c.now()
	if t.Deadline != nil && now.After(*t.Deadline) {
		claimed, err := c.store.ClaimToken(t.ID, nil, now)
		if err != nil {
			return "", err
		}
		if !claimed {
			return SubmitAlreadyUsed, nil
		}
		c.checkCompletion(ch)
		return SubmitExpired, nil
	}

	trimmed := strings.TrimSpace(text)
	claimed, err := c.store.ClaimToken(t.ID, &trimmed, now)
	if err != nil {
		return "", err
	}
	if !claimed {
		return SubmitAlreadyUsed, nil
	}

	if err := c.store.AppendChainEvent(ch.ID, Event{
		Type: "answer", At: now,
		Payload: map[string]any{"recipient": t.Recipient, "token": t.ID},
	}); err != nil {
		c.log.Warn("append answer event", zap.String("chain", ch.ID), zap.Error(err))
	}

	c.checkCompletion(ch)
	return SubmitAccepted, nil
}

// SubmitBySender is the inbound-message adapter: it resolves the sender's
// most recent live token and feeds the shared Submit path.
func (c *ResponseCollector) SubmitBySender(sender, text string) (SubmitStatus, error) {
	t, err := c.store.LatestOpenTokenForRecipient(sender, c.now())
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", NewNotFoundError("no open session for sender")
	}
	return c.Submit(t.ID, text)
}

// armDeadline persists and arms the adjudication timer for a freshly
// opened mirrored token, so a no-show counterpart cannot strand the chain.
// Recovery after a restart goes through the shared scheduled_jobs sweep.
func (c *ResponseCollector) armDeadline(chainID string, deadline time.Time) {
	j := &ScheduledJob{ID: NewJobID(), ChainID: chainID, Kind: JobAdjudicate, DueAt: deadline.Add(deadlineGrace)}
	if err := c.store.InsertJob(j); err != nil {
		c.log.Error("persist deadline job", zap.String("chain", chainID), zap.Error(err))
	}
	c.after(j.DueAt.Sub(c.now()), func() {
		c.adjudicator.Adjudicate(chainID)
		if err := c.store.DeleteJob(j.ID); err != nil {
			c.log.Warn("delete deadline job", zap.String("job", j.ID), zap.Error(err))
		}
	})
}

// checkCompletion runs after every claim, accepted or expired. Solo chains
// adjudicate on the first answer. Mirrored chains adjudicate once every
// recipient slot is resolved, so two prompt answers (or an answer plus a
// lapsed window) force a verdict without waiting for a deadline timer.
func (c *ResponseCollector) checkCompletion(ch *Chain) {
	tokens, err := c.store.ListTokensByChain(ch.ID)
	if err != nil {
		c.log.Warn("list tokens for completion check", zap.String("chain", ch.ID), zap.Error(err))
		return
	}
	accepted, resolved := 0, 0
	for _, t := range tokens {
		if t.Used {
			resolved++
		}
		if t.Answered() {
			accepted++
		}
	}

	done := false
	switch ch.Mode {
	case ModeSingle:
		done = accepted >= 1
	case ModeMirrored:
		done = len(ch.Recipients) > 0 && resolved >= len(ch.Recipients)
	}
	if done {
		id := ch.ID
		c.after(c.completionWait, func() { c.adjudicator.Adjudicate(id) })
	}
}

func (c *ResponseCollector) lookup(tokenID string) (*SessionToken, *Chain, error) {
	t, err := c.store.GetToken(tokenID)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, NewNotFoundError("no such session")
	}
	ch, err := c.store.GetChain(t.ChainID)
	if err != nil {
		return nil, nil, err
	}
	if ch == nil {
		return nil, nil, NewNotFoundError("no such session")
	}
	return t, ch, nil
}

func remainingSeconds(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
