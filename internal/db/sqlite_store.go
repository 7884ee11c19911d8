package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quietmaw/dread/internal/services"
)

// SQLiteStore is the document store behind every service interface. Each
// key's read-modify-write races are resolved inside SQL: the used-flag
// claim, the deadline arm, and the adjudication guard are all conditional
// UPDATEs whose rows-affected count is the compare-and-set result.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

var (
	_ services.SchedulerStore    = (*SQLiteStore)(nil)
	_ services.TokenIssueStore   = (*SQLiteStore)(nil)
	_ services.CollectorStore    = (*SQLiteStore)(nil)
	_ services.AdjudicationStore = (*SQLiteStore)(nil)
	_ services.ConsentStore      = (*SQLiteStore)(nil)
	_ services.MantleStore       = (*SQLiteStore)(nil)
)

// --- chains ---

func (s *SQLiteStore) InsertChain(c *services.Chain) error {
	participants, err := encodeJSON(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO chains (id, question, participants, mode, status, scheduled_at, fire_at, recipients, verdict)
        VALUES (?, ?, ?, NULL, ?, ?, ?, NULL, NULL)`,
		c.ID, c.Question, participants, string(c.Status), c.ScheduledAt, c.FireAt)
	return err
}

func (s *SQLiteStore) GetChain(id string) (*services.Chain, error) {
	row := s.db.QueryRow(`SELECT id, question, participants, mode, status, scheduled_at, fire_at, recipients, verdict
        FROM chains WHERE id = ?`, id)

	var c services.Chain
	var mode, participants, recipients, verdict sql.NullString
	var status string
	err := row.Scan(&c.ID, &c.Question, &participants, &mode, &status, &c.ScheduledAt, &c.FireAt, &recipients, &verdict)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = services.ChainStatus(status)
	c.Mode = services.ChainMode(mode.String)
	if err := decodeJSON(participants, &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := decodeJSON(recipients, &c.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	if verdict.Valid {
		c.Verdict = &services.Verdict{}
		if err := decodeJSON(verdict, c.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
	}

	events, err := s.listChainEvents(id)
	if err != nil {
		return nil, err
	}
	c.Events = events
	return &c, nil
}

func (s *SQLiteStore) MarkFired(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE chains SET status = ? WHERE id = ? AND status = ?`,
		string(services.ChainFired), id, string(services.ChainScheduled))
	if err != nil {
		return false, err
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) SetAwaitingAnswers(id string, mode services.ChainMode, recipients []string) error {
	enc, err := encodeJSON(recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	_, err = s.db.Exec(`UPDATE chains SET status = ?, mode = ?, recipients = ? WHERE id = ? AND status = ?`,
		string(services.ChainAwaitingAnswers), string(mode), enc, id, string(services.ChainFired))
	return err
}

func (s *SQLiteStore) MarkAdjudicated(id string, v *services.Verdict) (bool, error) {
	enc, err := encodeJSON(v)
	if err != nil {
		return false, fmt.Errorf("encode verdict: %w", err)
	}
	res, err := s.db.Exec(`UPDATE chains SET status = ?, verdict = ? WHERE id = ? AND status <> ?`,
		string(services.ChainAdjudicated), enc, id, string(services.ChainAdjudicated))
	if err != nil {
		return false, err
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) AppendChainEvent(chainID string, ev services.Event) error {
	payload, err := encodeJSONNullable(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO chain_events (chain_id, type, at, payload) VALUES (?, ?, ?, ?)`,
		chainID, ev.Type, ev.At, payload)
	return err
}

func (s *SQLiteStore) listChainEvents(chainID string) ([]services.Event, error) {
	rows, err := s.db.Query(`SELECT type, at, payload FROM chain_events WHERE chain_id = ? ORDER BY seq`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []services.Event
	for rows.Next() {
		var ev services.Event
		var payload sql.NullString
		if err := rows.Scan(&ev.Type, &ev.At, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- tokens ---

func (s *SQLiteStore) InsertToken(t *services.SessionToken) error {
	_, err := s.db.Exec(`INSERT INTO tokens (id, chain_id, recipient, mode, sent_at, opened_at, deadline, used, used_at, response)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)`,
		t.ID, t.ChainID, t.Recipient, string(t.Mode), t.SentAt, toNullTime(t.OpenedAt), toNullTime(t.Deadline))
	return err
}

func (s *SQLiteStore) GetToken(id string) (*services.SessionToken, error) {
	return s.scanToken(s.db.QueryRow(`SELECT id, chain_id, recipient, mode, sent_at, opened_at, deadline, used, used_at, response
        FROM tokens WHERE id = ?`, id))
}

func (s *SQLiteStore) OpenToken(id string, openedAt, deadline time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE tokens SET opened_at = ?, deadline = ? WHERE id = ? AND opened_at IS NULL`,
		openedAt, deadline, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) ClaimToken(id string, response *string, usedAt time.Time) (bool, error) {
	var resp sql.NullString
	if response != nil {
		resp = sql.NullString{String: *response, Valid: true}
	}
	res, err := s.db.Exec(`UPDATE tokens SET used = 1, used_at = ?, response = ? WHERE id = ? AND used = 0`,
		usedAt, resp, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) ListTokensByChain(chainID string) ([]*services.SessionToken, error) {
	rows, err := s.db.Query(`SELECT id, chain_id, recipient, mode, sent_at, opened_at, deadline, used, used_at, response
        FROM tokens WHERE chain_id = ? ORDER BY sent_at, id`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*services.SessionToken
	for rows.Next() {
		t, err := s.scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) LatestOpenTokenForRecipient(recipient string, now time.Time) (*services.SessionToken, error) {
	return s.scanToken(s.db.QueryRow(`SELECT id, chain_id, recipient, mode, sent_at, opened_at, deadline, used, used_at, response
        FROM tokens
        WHERE recipient = ? AND used = 0 AND (deadline IS NULL OR deadline > ?)
        ORDER BY sent_at DESC, id DESC LIMIT 1`, recipient, now))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanToken(row rowScanner) (*services.SessionToken, error) {
	var t services.SessionToken
	var mode string
	var used int64
	var openedAt, deadline, usedAt sql.NullTime
	var response sql.NullString
	err := row.Scan(&t.ID, &t.ChainID, &t.Recipient, &mode, &t.SentAt, &openedAt, &deadline, &used, &usedAt, &response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Mode = services.ChainMode(mode)
	t.Used = used != 0
	t.OpenedAt = fromNullTime(openedAt)
	t.Deadline = fromNullTime(deadline)
	t.UsedAt = fromNullTime(usedAt)
	if response.Valid {
		v := response.String
		t.Response = &v
	}
	return &t, nil
}

// --- scheduled jobs ---

func (s *SQLiteStore) InsertJob(j *services.ScheduledJob) error {
	_, err := s.db.Exec(`INSERT INTO scheduled_jobs (id, chain_id, kind, due_at) VALUES (?, ?, ?, ?)`,
		j.ID, j.ChainID, string(j.Kind), j.DueAt)
	return err
}

func (s *SQLiteStore) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListJobs() ([]*services.ScheduledJob, error) {
	rows, err := s.db.Query(`SELECT id, chain_id, kind, due_at FROM scheduled_jobs ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*services.ScheduledJob
	for rows.Next() {
		var j services.ScheduledJob
		var kind string
		if err := rows.Scan(&j.ID, &j.ChainID, &kind, &j.DueAt); err != nil {
			return nil, err
		}
		j.Kind = services.JobKind(kind)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// --- users ---

func (s *SQLiteStore) GetUser(id string) (*services.User, error) {
	var u services.User
	var optedOut int64
	err := s.db.QueryRow(`SELECT id, opted_out, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &optedOut, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.OptedOut = optedOut != 0
	return &u, nil
}

func (s *SQLiteStore) UpsertUser(u *services.User) error {
	optedOut := int64(0)
	if u.OptedOut {
		optedOut = 1
	}
	_, err := s.db.Exec(`INSERT INTO users (id, opted_out, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET opted_out = excluded.opted_out, updated_at = excluded.updated_at`,
		u.ID, optedOut, u.UpdatedAt)
	return err
}

func (s *SQLiteStore) ListActiveRecipients() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM users WHERE opted_out = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- mantle ---

func (s *SQLiteStore) GetMantle() (string, bool, error) {
	var alias string
	var active int64
	err := s.db.QueryRow(`SELECT alias, phrase_call_active FROM mantle WHERE id = 1`).Scan(&alias, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return alias, active != 0, nil
}

func (s *SQLiteStore) SetAlias(alias string) error {
	_, err := s.db.Exec(`UPDATE mantle SET alias = ? WHERE id = 1`, alias)
	return err
}

func (s *SQLiteStore) SetPhraseCall(active bool) error {
	v := int64(0)
	if active {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE mantle SET phrase_call_active = ? WHERE id = 1`, v)
	return err
}

// --- helpers ---

func rowsAffected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func encodeJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func encodeJSONNullable(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	return encodeJSON(v)
}

func decodeJSON(ns sql.NullString, out any) error {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), out)
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
