package actors

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/agreement"
	"agreementflow/audit"
	"agreementflow/content"
	"agreementflow/party"
)

// Parties is the provider/participant pair every actor works with.
type Parties struct {
	ProviderID    string
	ParticipantID string
}

// Stats counts outcomes across all actors.
type Stats struct {
	Applied  atomic.Int64
	Rejected atomic.Int64
	Failed   atomic.Int64
}

func (s *Stats) observe(err error) {
	switch {
	case err == nil:
		s.Applied.Add(1)
	case agreement.IsClientError(err):
		s.Rejected.Add(1)
	default:
		s.Failed.Add(1)
	}
}

// Agreements is the shared set of agreement IDs actors pick from.
type Agreements struct {
	mu  sync.Mutex
	ids []string
}

func (a *Agreements) Add(id string) {
	a.mu.Lock()
	a.ids = append(a.ids, id)
	a.mu.Unlock()
}

// Pick returns a random known ID, or "" when none exist yet.
func (a *Agreements) Pick() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.ids) == 0 {
		return ""
	}
	return a.ids[rand.Intn(len(a.ids))]
}

func (a *Agreements) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

func pause(ctx context.Context, stop <-chan struct{}, minMS, spreadMS int) bool {
	t := time.NewTimer(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Creator keeps creating pending agreements with custom terms.
func Creator(ctx context.Context, svc *agreement.Service, p Parties, known *Agreements, stats *Stats, stop <-chan struct{}) error {
	start := time.Now().UTC()
	for pause(ctx, stop, 40, 60) {
		rec, err := svc.Create(ctx, agreement.CreateParams{
			ActorID:       p.ProviderID,
			ProviderID:    p.ProviderID,
			ParticipantID: p.ParticipantID,
			StartDate:     start,
			EndDate:       start.AddDate(0, 0, rand.Intn(90)),
			Content:       content.Request{Strategy: content.KindCustomText, Terms: "Support coordination, two sessions per week"},
		})
		stats.observe(err)
		if err == nil {
			known.Add(rec.ID)
		}
	}
	return nil
}

// Signer races to sign random agreements as role. Repeated signatures must be no-ops.
func Signer(ctx context.Context, svc *agreement.Service, p Parties, role party.Role, img []byte, known *Agreements, stats *Stats, stop <-chan struct{}) error {
	actor := p.ProviderID
	if role == party.RoleParticipant {
		actor = p.ParticipantID
	}
	for pause(ctx, stop, 10, 30) {
		id := known.Pick()
		if id == "" {
			continue
		}
		_, err := svc.Sign(ctx, agreement.SignParams{
			AgreementID: id,
			ActorID:     actor,
			Role:        role,
			Image:       img,
			Audit:       audit.Context{RemoteAddr: "203.0.113.10:443", UserAgent: "stress-signer"},
		})
		stats.observe(err)
	}
	return nil
}

// Transitioner fires random lifecycle events. Most are expected to be rejected.
func Transitioner(ctx context.Context, svc *agreement.Service, p Parties, known *Agreements, stats *Stats, stop <-chan struct{}) error {
	events := []agreement.Event{agreement.EventActivate, agreement.EventActivate, agreement.EventComplete, agreement.EventCancel}
	for pause(ctx, stop, 20, 40) {
		id := known.Pick()
		if id == "" {
			continue
		}
		actor := p.ProviderID
		if rand.Intn(4) == 0 {
			actor = p.ParticipantID
		}
		_, err := svc.Transition(ctx, agreement.TransitionParams{
			AgreementID: id,
			ActorID:     actor,
			Event:       events[rand.Intn(len(events))],
		})
		stats.observe(err)
	}
	return nil
}

// Editor reschedules or deletes random agreements. Signed ones must refuse both.
func Editor(ctx context.Context, svc *agreement.Service, p Parties, known *Agreements, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 50, 100) {
		id := known.Pick()
		if id == "" {
			continue
		}
		var err error
		if rand.Intn(5) == 0 {
			err = svc.Delete(ctx, agreement.DeleteParams{AgreementID: id, ActorID: p.ProviderID})
		} else {
			start := time.Now().UTC().AddDate(0, 0, rand.Intn(30))
			_, err = svc.Reschedule(ctx, agreement.RescheduleParams{
				AgreementID: id,
				ActorID:     p.ProviderID,
				StartDate:   start,
				EndDate:     start.AddDate(0, 1, 0),
			})
		}
		if errors.Is(err, agreement.ErrNotFound) {
			err = nil
		}
		stats.observe(err)
	}
	return nil
}

// OutboxWorker drains pending outbox messages with SKIP LOCKED, occasionally failing one.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for pause(ctx, stop, 80, 40) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 20`)
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		var ids []string
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now(),
					status = CASE WHEN attempts + 1 >= 5 THEN 'dead' ELSE status END WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
	}
	return nil
}
