package services

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

type SchedulerStore interface {
	InsertChain(c *Chain) error
	GetChain(id string) (*Chain, error)
	// MarkFired moves scheduled->fired; false means the chain already left
	// the scheduled state (a recovered duplicate timer, typically).
	MarkFired(id string) (bool, error)
	SetAwaitingAnswers(id string, mode ChainMode, recipients []string) error
	AppendChainEvent(chainID string, ev Event) error
	InsertJob(j *ScheduledJob) error
	DeleteJob(id string) error
	ListJobs() ([]*ScheduledJob, error)
}

// FireWindow bounds the randomized fire delay, in minutes.
type FireWindow struct {
	Min float64
	Max float64
}

type SchedulerConfig struct {
	BaseURL      string
	SoloWindow   time.Duration
	FireDelay    FireWindow
	MirrorChance float64
	BlankProb    float64
	Riddle       string
	Keyphrase    string
}

// deadlineGrace pads adjudication timers past the token deadline so a
// last-moment submission is judged rather than raced.
const deadlineGrace = 300 * time.Millisecond

// ChainScheduler owns chain creation, the randomized fire delay, and the
// fire-time orchestration: mode roll, recipient selection, token issue,
// notification, and the solo deadline timer. Timers are durable: every
// armed timer has a scheduled_jobs row, and RecoverJobs re-arms them after
// a restart.
type ChainScheduler struct {
	store       SchedulerStore
	tokens      *SessionTokens
	consent     ConsentChecker
	gateway     Gateway
	alias       AliasSource
	adjudicator Adjudicator
	cfg         SchedulerConfig
	log         *zap.Logger

	now       func() time.Time
	idGen     func() string
	randFloat func() float64
	randIntn  func(int) int
	after     func(d time.Duration, f func())
}

func NewChainScheduler(store SchedulerStore, tokens *SessionTokens, consent ConsentChecker, gateway Gateway, alias AliasSource, adjudicator Adjudicator, cfg SchedulerConfig, log *zap.Logger) *ChainScheduler {
	return &ChainScheduler{
		store:       store,
		tokens:      tokens,
		consent:     consent,
		gateway:     gateway,
		alias:       alias,
		adjudicator: adjudicator,
		cfg:         cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		idGen:       NewChainID,
		randFloat:   defaultRandFloat,
		randIntn:    defaultRandIntn,
		after:       func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Create persists a scheduled chain and arms its fire timer. It returns the
// chain id and the rolled delay.
func (s *ChainScheduler) Create(question string, candidates []string, window *FireWindow) (string, time.Duration, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", 0, NewInvalidError("question required")
	}

	seen := map[string]struct{}{}
	var participants []string
	for _, cand := range candidates {
		cand = strings.TrimSpace(cand)
		if cand == "" {
			continue
		}
		if _, dup := seen[cand]; dup {
			continue
		}
		seen[cand] = struct{}{}
		ok, err := s.consent.IsConsented(cand)
		if err != nil {
			return "", 0, err
		}
		if ok {
			participants = append(participants, cand)
		}
	}
	if len(participants) == 0 {
		return "", 0, NewInvalidError("no consented recipients")
	}

	delay := s.rollDelay(window)
	now := s.now()
	ch := &Chain{
		ID:           s.idGen(),
		Question:     question,
		Participants: participants,
		Status:       ChainScheduled,
		ScheduledAt:  now,
		FireAt:       now.Add(delay),
	}
	if err := s.store.InsertChain(ch); err != nil {
		return "", 0, err
	}
	if err := s.store.AppendChainEvent(ch.ID, Event{
		Type: "created", At: now,
		Payload: map[string]any{"participants": len(participants)},
	}); err != nil {
		s.log.Warn("append created event", zap.String("chain", ch.ID), zap.Error(err))
	}

	if err := s.scheduleJob(JobFire, ch.ID, ch.FireAt); err != nil {
		return "", 0, err
	}
	return ch.ID, delay, nil
}

func (s *ChainScheduler) rollDelay(window *FireWindow) time.Duration {
	min, max := s.cfg.FireDelay.Min, s.cfg.FireDelay.Max
	if window != nil {
		if window.Min > 0 {
			min = window.Min
		}
		if window.Max > 0 {
			max = window.Max
		}
	}
	if min < 0.1 {
		min = 0.1
	}
	if max < min {
		max = min
	}
	minutes := min + s.randFloat()*(max-min)
	return time.Duration(minutes * float64(time.Minute))
}

// Fire moves a chain out of scheduled: mode roll, recipients, tokens,
// notifications, and for solo mode the deadline timer. A missing chain or a
// chain already past scheduled is a no-op, so duplicate recovered timers
// are harmless.
func (s *ChainScheduler) Fire(chainID string) {
	ch, err := s.store.GetChain(chainID)
	if err != nil {
		s.log.Error("load chain for fire", zap.String("chain", chainID), zap.Error(err))
		return
	}
	if ch == nil {
		return
	}

	now := s.now()
	fired, err := s.store.MarkFired(chainID)
	if err != nil {
		s.log.Error("mark chain fired", zap.String("chain", chainID), zap.Error(err))
		return
	}
	if !fired {
		return
	}
	s.appendEvent(chainID, Event{Type: "fired", At: now})

	s.maybeBlankPing(ch)

	mirrored := len(ch.Participants) >= 2 && s.randFloat() < s.cfg.MirrorChance
	mode := ModeSingle
	if mirrored {
		mode = ModeMirrored
	}
	recipients := SelectRecipients(ch.Participants, mirrored, s.randIntn)

	for _, recipient := range recipients {
		t, err := s.tokens.Issue(ch.ID, recipient, mode)
		if err != nil {
			s.log.Error("issue session token", zap.String("chain", chainID), zap.Error(err))
			continue
		}
		s.notify(recipient, t.ID)
	}

	if err := s.store.SetAwaitingAnswers(chainID, mode, recipients); err != nil {
		s.log.Error("set awaiting_answers", zap.String("chain", chainID), zap.Error(err))
		return
	}
	s.appendEvent(chainID, Event{
		Type: "tokens_issued", At: s.now(),
		Payload: map[string]any{"mode": string(mode), "recipients": len(recipients)},
	})

	// Mirrored tokens arm their own deadline timers at first view; only
	// solo mode gets an absolute deadline timer here.
	if mode == ModeSingle {
		due := s.now().Add(s.cfg.SoloWindow + deadlineGrace)
		if err := s.scheduleJob(JobAdjudicate, chainID, due); err != nil {
			s.log.Error("schedule solo adjudication", zap.String("chain", chainID), zap.Error(err))
		}
	}
}

// RecoverJobs re-arms every persisted timer. Overdue jobs run immediately;
// Fire and Adjudicate tolerate duplicates, so at-least-once is enough.
func (s *ChainScheduler) RecoverJobs() error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		s.armJob(j)
	}
	if len(jobs) > 0 {
		s.log.Info("recovered scheduled jobs", zap.Int("count", len(jobs)))
	}
	return nil
}

func (s *ChainScheduler) scheduleJob(kind JobKind, chainID string, due time.Time) error {
	j := &ScheduledJob{ID: NewJobID(), ChainID: chainID, Kind: kind, DueAt: due}
	if err := s.store.InsertJob(j); err != nil {
		return err
	}
	s.armJob(j)
	return nil
}

func (s *ChainScheduler) armJob(j *ScheduledJob) {
	delay := j.DueAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	job := *j
	s.after(delay, func() {
		// The row outlives the action: a crash mid-dispatch replays the job
		// on the next recovery sweep, and both actions tolerate replays.
		switch job.Kind {
		case JobFire:
			s.Fire(job.ChainID)
		case JobAdjudicate:
			s.adjudicator.Adjudicate(job.ChainID)
		}
		if err := s.store.DeleteJob(job.ID); err != nil {
			s.log.Warn("delete scheduled job", zap.String("job", job.ID), zap.Error(err))
		}
	})
}

// maybeBlankPing is the orthogonal folklore hook: with fixed low
// probability one participant receives a message that looks empty but
// decodes to the riddle and keyphrase.
func (s *ChainScheduler) maybeBlankPing(ch *Chain) {
	if s.randFloat() >= s.cfg.BlankProb || len(ch.Participants) == 0 {
		return
	}
	target := ch.Participants[s.randIntn(len(ch.Participants))]
	payload := EncodeInvisible(s.cfg.Riddle + "|||" + s.cfg.Keyphrase)
	if out := s.gateway.Send(target, payload); !out.Delivered {
		s.log.Warn("blank ping not delivered",
			zap.String("to", MaskIdentity(target)), zap.String("reason", out.Reason))
	}
	s.appendEvent(ch.ID, Event{Type: "blank_ping", At: s.now()})
}

func (s *ChainScheduler) notify(recipient, tokenID string) {
	notice := s.alias.CurrentAlias() + " has a question for you. The window is already closing."
	link := strings.TrimRight(s.cfg.BaseURL, "/") + "/open/" + tokenID
	for _, body := range []string{notice, link} {
		if out := s.gateway.Send(recipient, body); !out.Delivered {
			s.log.Warn("arrival notice not delivered",
				zap.String("to", MaskIdentity(recipient)), zap.String("reason", out.Reason))
		}
	}
}

func (s *ChainScheduler) appendEvent(chainID string, ev Event) {
	if err := s.store.AppendChainEvent(chainID, ev); err != nil {
		s.log.Warn("append chain event", zap.String("chain", chainID),
			zap.String("type", ev.Type), zap.Error(err))
	}
}
