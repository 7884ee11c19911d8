package services

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ChainStatus string

const (
	ChainScheduled       ChainStatus = "scheduled"
	ChainFired           ChainStatus = "fired"
	ChainAwaitingAnswers ChainStatus = "awaiting_answers"
	ChainAdjudicated     ChainStatus = "adjudicated"
)

type ChainMode string

const (
	ModeSingle   ChainMode = "single"
	ModeMirrored ChainMode = "mirrored"
)

// Event is one entry in a chain's append-only history.
type Event struct {
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Chain is one question-round. Status only ever moves forward:
// scheduled -> fired -> awaiting_answers -> adjudicated.
type Chain struct {
	ID           string      `json:"id"`
	Question     string      `json:"question"`
	Participants []string    `json:"participants"`
	Mode         ChainMode   `json:"mode,omitempty"`
	Status       ChainStatus `json:"status"`
	ScheduledAt  time.Time   `json:"scheduled_at"`
	FireAt       time.Time   `json:"fire_at"`
	Recipients   []string    `json:"recipients,omitempty"`
	Events       []Event     `json:"events"`
	Verdict      *Verdict    `json:"verdict,omitempty"`
}

// SessionToken binds one recipient to one chain's response window.
// Deadline stays nil until the governing event: send for single mode,
// first view for mirrored mode.
type SessionToken struct {
	ID        string     `json:"id"`
	ChainID   string     `json:"chain_id"`
	Recipient string     `json:"recipient"`
	Mode      ChainMode  `json:"mode"`
	SentAt    time.Time  `json:"sent_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	Response  *string    `json:"response,omitempty"`
}

// Answered reports whether the token holds an accepted answer, as opposed
// to being unused or consumed by expiry.
func (t *SessionToken) Answered() bool { return t.Used && t.Response != nil }

type RevealTier string

const (
	RevealBoth   RevealTier = "both"
	RevealWinner RevealTier = "winner"
	RevealNone   RevealTier = "none"
)

// VerdictEntry is one recipient's scored snapshot in a mirrored verdict.
// A no-show keeps a synthetic zero-score empty-text entry.
type VerdictEntry struct {
	Recipient string `json:"recipient"`
	Score     int    `json:"score"`
	Text      string `json:"text"`
	Answered  bool   `json:"answered"`
}

// Verdict is the adjudication result attached to a terminal chain.
type Verdict struct {
	Mode      ChainMode      `json:"mode"`
	Actor     string         `json:"actor,omitempty"`
	Answer    *string        `json:"answer,omitempty"`
	Winner    string         `json:"winner,omitempty"`
	Loser     string         `json:"loser,omitempty"`
	Entries   []VerdictEntry `json:"entries,omitempty"`
	Tier      RevealTier     `json:"tier,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// User holds the opt-out state for one phone-equivalent identity.
type User struct {
	ID        string    `json:"id"`
	OptedOut  bool      `json:"opted_out"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobKind string

const (
	JobFire       JobKind = "fire"
	JobAdjudicate JobKind = "adjudicate"
)

// ScheduledJob is the durable record of a pending one-shot timer. Serve
// startup sweeps the table and re-arms or immediately runs each job.
type ScheduledJob struct {
	ID      string    `json:"id"`
	ChainID string    `json:"chain_id"`
	Kind    JobKind   `json:"kind"`
	DueAt   time.Time `json:"due_at"`
}

// Adjudicator is the terminal action of the chain state machine; both the
// solo deadline timer and the collector quorum check invoke it.
type Adjudicator interface {
	Adjudicate(chainID string)
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func NewChainID() string { return "c" + shortID(12) }
func NewJobID() string   { return "j" + shortID(12) }

// NewSessionTokenID concatenates two UUIDs worth of entropy; tokens gate
// answer submission so they must be unguessable, not merely unique.
func NewSessionTokenID() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
