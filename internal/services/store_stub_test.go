package services

import (
	"sort"
	"sync"
	"time"
)

// memStore is the test double for every store interface, with the same
// compare-and-set semantics the sqlite store provides.
type memStore struct {
	mu         sync.Mutex
	chains     map[string]*Chain
	events     map[string][]Event
	tokens     map[string]*SessionToken
	tokenOrder []string
	jobs       map[string]*ScheduledJob
	users      map[string]*User
	alias      string
	phraseCall bool
}

func newMemStore() *memStore {
	return &memStore{
		chains: map[string]*Chain{},
		events: map[string][]Event{},
		tokens: map[string]*SessionToken{},
		jobs:   map[string]*ScheduledJob{},
		users:  map[string]*User{},
	}
}

func (m *memStore) InsertChain(c *Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.chains[c.ID] = &cp
	return nil
}

func (m *memStore) GetChain(id string) (*Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Events = append([]Event(nil), m.events[id]...)
	return &cp, nil
}

func (m *memStore) MarkFired(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok || c.Status != ChainScheduled {
		return false, nil
	}
	c.Status = ChainFired
	return true, nil
}

func (m *memStore) SetAwaitingAnswers(id string, mode ChainMode, recipients []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chains[id]; ok && c.Status == ChainFired {
		c.Status = ChainAwaitingAnswers
		c.Mode = mode
		c.Recipients = append([]string(nil), recipients...)
	}
	return nil
}

func (m *memStore) MarkAdjudicated(id string, v *Verdict) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok || c.Status == ChainAdjudicated {
		return false, nil
	}
	c.Status = ChainAdjudicated
	vc := *v
	c.Verdict = &vc
	return true, nil
}

func (m *memStore) AppendChainEvent(chainID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[chainID] = append(m.events[chainID], ev)
	return nil
}

func (m *memStore) InsertToken(t *SessionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.ID] = &cp
	m.tokenOrder = append(m.tokenOrder, t.ID)
	return nil
}

func (m *memStore) GetToken(id string) (*SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) OpenToken(id string, openedAt, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.OpenedAt != nil {
		return false, nil
	}
	t.OpenedAt, t.Deadline = &openedAt, &deadline
	return true, nil
}

func (m *memStore) ClaimToken(id string, response *string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Used {
		return false, nil
	}
	t.Used = true
	t.UsedAt = &usedAt
	if response != nil {
		v := *response
		t.Response = &v
	}
	return true, nil
}

func (m *memStore) ListTokensByChain(chainID string) ([]*SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SessionToken
	for _, id := range m.tokenOrder {
		if t := m.tokens[id]; t.ChainID == chainID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) LatestOpenTokenForRecipient(recipient string, now time.Time) (*SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*SessionToken
	for _, id := range m.tokenOrder {
		t := m.tokens[id]
		if t.Recipient != recipient || t.Used {
			continue
		}
		if t.Deadline != nil && !t.Deadline.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SentAt.After(candidates[j].SentAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

func (m *memStore) InsertJob(j *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) DeleteJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) ListJobs() ([]*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledJob
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *memStore) GetUser(id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) UpsertUser(u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) ListActiveRecipients() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, u := range m.users {
		if !u.OptedOut {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) GetMantle() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alias, m.phraseCall, nil
}

func (m *memStore) SetAlias(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alias = alias
	return nil
}

func (m *memStore) SetPhraseCall(active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phraseCall = active
	return nil
}

var (
	_ SchedulerStore    = (*memStore)(nil)
	_ CollectorStore    = (*memStore)(nil)
	_ AdjudicationStore = (*memStore)(nil)
	_ TokenIssueStore   = (*memStore)(nil)
	_ ConsentStore      = (*memStore)(nil)
	_ MantleStore       = (*memStore)(nil)
)

// fakeGateway records sends and can be told to fail.
type fakeGateway struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

type sentMessage struct {
	To   string
	Body string
}

func (g *fakeGateway) Send(to, body string) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{To: to, Body: body})
	if g.fail {
		return Failed("fake outage")
	}
	return Delivered()
}

func (g *fakeGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

func (g *fakeGateway) bodiesTo(to string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, m := range g.sent {
		if m.To == to {
			out = append(out, m.Body)
		}
	}
	return out
}

type staticAlias string

func (a staticAlias) CurrentAlias() string { return string(a) }

type allowAllConsent struct{}

func (allowAllConsent) IsConsented(string) (bool, error) { return true, nil }

// pendingTimers collects armed callbacks so tests fire them explicitly.
type pendingTimers struct {
	mu    sync.Mutex
	delay []time.Duration
	fns   []func()
}

func (p *pendingTimers) after(d time.Duration, f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = append(p.delay, d)
	p.fns = append(p.fns, f)
}

func (p *pendingTimers) fireAll() {
	p.mu.Lock()
	fns := p.fns
	p.fns, p.delay = nil, nil
	p.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func (p *pendingTimers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fns)
}
