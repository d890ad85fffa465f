package agreement

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"agreementflow/audit"
	"agreementflow/blob"
	"agreementflow/content"
	"agreementflow/numbering"
	"agreementflow/party"
	"agreementflow/signature"
)

const (
	providerID      = "3f2b8c1e-6a4d-4e7f-9b0c-2d1e5f6a7b8c"
	participantID   = "8c7b6a5f-4e3d-4c2b-a1f0-9e8d7c6b5a49"
	strangerID      = "d4c3b2a1-0f9e-4d8c-b7a6-5f4e3d2c1b0a"
	otherProviderID = "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
	templateID      = "6e5d4c3b-2a19-4807-b6f5-e4d3c2b1a098"
	otherTemplateID = "b0a9f8e7-d6c5-4b4a-9382-716f5e4d3c2b"
)

func TestCreate_CustomText(t *testing.T) {
	h := newHarness(t)

	rec, err := h.svc.Create(context.Background(), h.createParams("Weekly cleaning service"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusPending || rec.ProviderSigned || rec.ParticipantSigned {
		t.Fatalf("expected pending unsigned record, got %+v", rec)
	}
	if rec.Content.(content.CustomText).Terms != "Weekly cleaning service" {
		t.Fatalf("unexpected content: %+v", rec.Content)
	}
	if !numbering.Valid(rec.Number) {
		t.Fatalf("unexpected agreement number %q", rec.Number)
	}
	if rec.ID != "00000000-0000-4000-8000-000000000001" || rec.Version != 1 {
		t.Fatalf("unexpected identity: id=%s version=%d", rec.ID, rec.Version)
	}
	if !h.pool.last().committed {
		t.Fatal("expected create to commit")
	}
	h.expectEvents(t, rec.ID, EventTypeCreated)
	h.expectTopics(t, OutboxTopicCreated)
}

func TestCreate_DateRange(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)

	for offset := -2; offset <= 2; offset++ {
		params := h.createParams("terms")
		params.StartDate = start
		params.EndDate = start.AddDate(0, 0, offset)
		_, err := h.svc.Create(context.Background(), params)
		switch {
		case offset < 0 && !errors.Is(err, ErrDateRange):
			t.Fatalf("offset %d: expected DateRangeError, got %v", offset, err)
		case offset >= 0 && err != nil:
			t.Fatalf("offset %d: unexpected error: %v", offset, err)
		}
	}
}

func TestCreate_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*CreateParams)
		wantErr error
	}{
		{"blank terms", func(p *CreateParams) { p.Content.Terms = "  " }, content.ErrContent},
		{"foreign template", func(p *CreateParams) {
			p.Content = content.Request{Strategy: content.KindTemplate, TemplateID: otherTemplateID}
		}, content.ErrContent},
		{"unknown provider", func(p *CreateParams) { p.ActorID, p.ProviderID = "", "ghost" }, party.ErrNotFound},
		{"participant as provider", func(p *CreateParams) { p.ActorID, p.ProviderID = "", participantID }, party.ErrRoleMismatch},
		{"stranger actor", func(p *CreateParams) { p.ActorID = strangerID }, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			params := h.createParams("terms")
			tc.mutate(&params)
			if _, err := h.svc.Create(context.Background(), params); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(h.store.records) != 0 || len(h.store.outbox) != 0 {
				t.Fatal("rejected create must not persist anything")
			}
		})
	}
}

func TestCreate_TemplateSnapshot(t *testing.T) {
	h := newHarness(t)
	params := h.createParams("")
	params.Content = content.Request{Strategy: content.KindTemplate, TemplateID: templateID}

	rec, err := h.svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.templates.edit(templateID, "https://files/std-v2.pdf")

	got, err := h.svc.Get(context.Background(), rec.ID, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content.(content.Template).FileURL != "https://files/std-v1.pdf" {
		t.Fatalf("template edit leaked into agreement: %+v", got.Content)
	}
}

func TestSign_BothPartiesThenLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t)

	signed, err := h.svc.Sign(ctx, h.signParams(rec.ID, providerID, party.RoleProvider, strokePNG(t)))
	if err != nil {
		t.Fatalf("provider sign: %v", err)
	}
	if !signed.ProviderSigned || signed.ParticipantSigned || signed.Status != StatusPending {
		t.Fatalf("unexpected record after provider sign: %+v", signed)
	}
	sig := signed.ProviderSignature
	if sig == nil || sig.ImageRef == "" || sig.Audit.IPAddress != "203.0.113.5" || sig.Audit.DocumentID != rec.Number {
		t.Fatalf("unexpected signature record: %+v", sig)
	}
	if h.blobs.count() != 1 {
		t.Fatalf("expected signature image stored, got %d blobs", h.blobs.count())
	}

	_, err = h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: providerID, Event: EventActivate})
	var ierr *InvalidTransitionError
	if !errors.As(err, &ierr) || ierr.From != StatusPending || ierr.Event != EventActivate {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	if _, err := h.svc.Sign(ctx, h.signParams(rec.ID, participantID, party.RoleParticipant, strokePNG(t))); err != nil {
		t.Fatalf("participant sign: %v", err)
	}
	active, err := h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: providerID, Event: EventActivate})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active.Status != StatusActive {
		t.Fatalf("expected active, got %s", active.Status)
	}

	completed, err := h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, Event: EventComplete})
	if err != nil || completed.Status != StatusCompleted {
		t.Fatalf("complete: status=%s err=%v", completed.Status, err)
	}
	_, err = h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: participantID, Event: EventCancel})
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected TerminalStateError, got %v", err)
	}

	h.expectEvents(t, rec.ID,
		EventTypeCreated, EventTypeSigned, EventTypeSigned, EventTypeStatusChanged, EventTypeStatusChanged)
	h.expectTopics(t,
		OutboxTopicCreated, OutboxTopicSigned, OutboxTopicSigned, OutboxTopicStatusChanged, OutboxTopicStatusChanged)
}

func TestSign_EmptyImage(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t)

	_, err := h.svc.Sign(context.Background(), h.signParams(rec.ID, providerID, party.RoleProvider, blankPNG(t)))
	if !errors.Is(err, signature.ErrEmptySignature) {
		t.Fatalf("expected EmptySignatureError, got %v", err)
	}
	got, _ := h.svc.Get(context.Background(), rec.ID, "")
	if got.ProviderSigned || got.ProviderSignature != nil || got.Version != 1 {
		t.Fatalf("record must be unchanged, got %+v", got)
	}
	if h.blobs.count() != 0 {
		t.Fatal("blank signature must not be stored")
	}
}

func TestSign_IdempotentSequential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t)

	first, err := h.svc.Sign(ctx, h.signParams(rec.ID, participantID, party.RoleParticipant, strokePNG(t)))
	if err != nil {
		t.Fatalf("first sign: %v", err)
	}
	second, err := h.svc.Sign(ctx, h.signParams(rec.ID, participantID, party.RoleParticipant, strokePNG(t)))
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}
	if second.Version != first.Version || second.ParticipantSignature.ImageRef != first.ParticipantSignature.ImageRef {
		t.Fatalf("second sign must be a no-op: first=%+v second=%+v", first, second)
	}
	h.expectEvents(t, rec.ID, EventTypeCreated, EventTypeSigned)
}

func TestSign_ConcurrentSameRole(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t)

	// Distinct strokes so each attempt carries a different image reference.
	images := make([][]byte, 8)
	for i := range images {
		images[i] = strokePNGAt(t, 5+i)
	}

	var g errgroup.Group
	for _, img := range images {
		img := img
		g.Go(func() error {
			_, err := h.svc.Sign(context.Background(), h.signParams(rec.ID, providerID, party.RoleProvider, img))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent sign: %v", err)
	}

	got, err := h.svc.Get(context.Background(), rec.ID, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ProviderSigned || got.Version != 2 {
		t.Fatalf("expected exactly one attached signature, got version %d", got.Version)
	}
	h.expectEvents(t, rec.ID, EventTypeCreated, EventTypeSigned)
}

func TestSign_Authorization(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t)

	cases := []struct {
		name  string
		actor string
		role  party.Role
	}{
		{"participant signs as provider", participantID, party.RoleProvider},
		{"provider signs as participant", providerID, party.RoleParticipant},
		{"stranger", strangerID, party.RoleParticipant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Sign(context.Background(), h.signParams(rec.ID, tc.actor, tc.role, strokePNG(t)))
			if !errors.Is(err, ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
		})
	}
}

func TestSign_TerminalRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t)

	if _, err := h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: participantID, Event: EventCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := h.svc.Sign(ctx, h.signParams(rec.ID, providerID, party.RoleProvider, strokePNG(t)))
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected TerminalStateError, got %v", err)
	}
}

func TestSign_CancelledContextLeavesRecordUnchanged(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.beforeOutbox = func() { cancel() }

	_, err := h.svc.Sign(ctx, h.signParams(rec.ID, providerID, party.RoleProvider, strokePNG(t)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	tx := h.pool.last()
	if tx.committed || !tx.rolled {
		t.Fatalf("expected rollback, committed=%v rolled=%v", tx.committed, tx.rolled)
	}

	got, _ := h.svc.Get(context.Background(), rec.ID, "")
	if got.ProviderSigned || got.ProviderSignature != nil || got.Version != 1 {
		t.Fatalf("flag and signature must roll back together, got %+v", got)
	}
	h.expectEvents(t, rec.ID, EventTypeCreated)
}

func TestTransition_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.signedByBoth(t)

	_, err := h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: participantID, Event: EventActivate})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("participant activate: expected ErrForbidden, got %v", err)
	}
	_, err = h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: strangerID, Event: EventCancel})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger cancel: expected ErrForbidden, got %v", err)
	}
	got, _ := h.svc.Get(ctx, rec.ID, "")
	if got.Status != StatusPending {
		t.Fatalf("rejected transitions must leave status unchanged, got %s", got.Status)
	}
	if _, err := h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: participantID, Event: EventCancel}); err != nil {
		t.Fatalf("participant cancel: %v", err)
	}
}

func TestTransition_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Transition(context.Background(), TransitionParams{AgreementID: "7f6e5d4c-3b2a-4190-8f7e-6d5c4b3a2918", Event: EventCancel})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Identifiers that are not UUIDs are rejected as not found before any
// storage access, since the uuid columns would fail the query instead.
func TestMalformedAgreementIDIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"missing", "agreement-1", "", "00000000-0000-4000-8000", "1; DROP TABLE agreements"} {
		ops := map[string]func() error{
			"get": func() error {
				_, err := h.svc.Get(ctx, id, "")
				return err
			},
			"sign": func() error {
				_, err := h.svc.Sign(ctx, h.signParams(id, providerID, party.RoleProvider, strokePNG(t)))
				return err
			},
			"transition": func() error {
				_, err := h.svc.Transition(ctx, TransitionParams{AgreementID: id, Event: EventCancel})
				return err
			},
			"reschedule": func() error {
				_, err := h.svc.Reschedule(ctx, RescheduleParams{AgreementID: id, StartDate: start, EndDate: start})
				return err
			},
			"delete": func() error {
				return h.svc.Delete(ctx, DeleteParams{AgreementID: id})
			},
		}
		for name, op := range ops {
			if err := op(); !errors.Is(err, ErrNotFound) {
				t.Fatalf("%s %q: expected ErrNotFound, got %v", name, id, err)
			}
		}
	}
	if len(h.pool.txs) != 0 {
		t.Fatalf("malformed ids must not open transactions, got %d", len(h.pool.txs))
	}
	if h.blobs.count() != 0 {
		t.Fatal("malformed ids must not store signature images")
	}
}

func TestTransition_TerminalBeforeAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.signedByBoth(t)
	for _, ev := range []Event{EventActivate, EventComplete} {
		if _, err := h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: providerID, Event: ev}); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}

	cases := []struct {
		name  string
		actor string
		event Event
	}{
		{"participant completes", participantID, EventComplete},
		{"participant activates", participantID, EventActivate},
		{"stranger cancels", strangerID, EventCancel},
		{"provider cancels", providerID, EventCancel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, ActorID: tc.actor, Event: tc.event})
			var terr *TerminalStateError
			if !errors.As(err, &terr) || terr.State != StatusCompleted || terr.Event != tc.event {
				t.Fatalf("expected TerminalStateError for %s, got %v", tc.event, err)
			}
		})
	}
}

func TestIDsCompareCanonically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	upperProvider := strings.ToUpper(providerID)
	upperParticipant := strings.ToUpper(participantID)

	params := h.createParams("")
	params.ActorID = upperProvider
	params.ProviderID = upperProvider
	params.ParticipantID = upperParticipant
	params.Content = content.Request{Strategy: content.KindTemplate, TemplateID: strings.ToUpper(templateID)}
	rec, err := h.svc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create with upper-case ids: %v", err)
	}
	if rec.ProviderID != providerID || rec.ParticipantID != participantID {
		t.Fatalf("expected canonical party ids, got %s / %s", rec.ProviderID, rec.ParticipantID)
	}

	upperID := strings.ToUpper(rec.ID)
	if _, err := h.svc.Get(ctx, upperID, upperParticipant); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := h.svc.Sign(ctx, h.signParams(upperID, upperParticipant, party.RoleParticipant, strokePNG(t))); err != nil {
		t.Fatalf("participant sign: %v", err)
	}
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	if _, err := h.svc.Reschedule(ctx, RescheduleParams{AgreementID: upperID, ActorID: upperProvider, StartDate: start, EndDate: start}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected provider to reach the lock check, got %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionParams{AgreementID: "{" + upperID + "}", ActorID: upperParticipant, Event: EventCancel}); err != nil {
		t.Fatalf("participant cancel: %v", err)
	}

	list, err := h.svc.List(ctx, ListFilter{ParticipantID: upperParticipant})
	if err != nil || list.Total != 1 {
		t.Fatalf("list by upper-case participant: total=%d err=%v", list.Total, err)
	}
	none, err := h.svc.List(ctx, ListFilter{ProviderID: "prov-1"})
	if err != nil || none.Total != 0 {
		t.Fatalf("list by malformed provider: total=%d err=%v", none.Total, err)
	}
}

func TestReschedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t)
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.svc.Reschedule(ctx, RescheduleParams{AgreementID: rec.ID, ActorID: providerID, StartDate: start, EndDate: start.AddDate(0, 0, -1)})
	if !errors.Is(err, ErrDateRange) {
		t.Fatalf("expected DateRangeError, got %v", err)
	}
	_, err = h.svc.Reschedule(ctx, RescheduleParams{AgreementID: rec.ID, ActorID: participantID, StartDate: start, EndDate: start})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	updated, err := h.svc.Reschedule(ctx, RescheduleParams{AgreementID: rec.ID, ActorID: providerID, StartDate: start, EndDate: start.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !updated.Dates.Start.Equal(start) || updated.Version != 2 {
		t.Fatalf("unexpected record after reschedule: %+v", updated)
	}

	if _, err := h.svc.Sign(ctx, h.signParams(rec.ID, participantID, party.RoleParticipant, strokePNG(t))); err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = h.svc.Reschedule(ctx, RescheduleParams{AgreementID: rec.ID, StartDate: start, EndDate: start})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked once signed, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.create(t)
	if err := h.svc.Delete(ctx, DeleteParams{AgreementID: pending.ID, ActorID: participantID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("participant delete: expected ErrForbidden, got %v", err)
	}
	if err := h.svc.Delete(ctx, DeleteParams{AgreementID: pending.ID, ActorID: providerID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.Get(ctx, pending.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted record to be gone, got %v", err)
	}

	half := h.create(t)
	if _, err := h.svc.Sign(ctx, h.signParams(half.ID, providerID, party.RoleProvider, strokePNG(t))); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := h.svc.Delete(ctx, DeleteParams{AgreementID: half.ID}); !errors.Is(err, ErrNotDeletable) {
		t.Fatalf("signed delete: expected ErrNotDeletable, got %v", err)
	}

	canceled := h.create(t)
	if _, err := h.svc.Transition(ctx, TransitionParams{AgreementID: canceled.ID, Event: EventCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.svc.Delete(ctx, DeleteParams{AgreementID: canceled.ID}); !errors.Is(err, ErrNotDeletable) {
		t.Fatalf("canceled delete: expected ErrNotDeletable, got %v", err)
	}
}

func TestGetAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	h.create(t)
	if _, err := h.svc.Transition(ctx, TransitionParams{AgreementID: a.ID, Event: EventCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := h.svc.Get(ctx, a.ID, strangerID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger get: expected ErrForbidden, got %v", err)
	}
	if _, err := h.svc.Get(ctx, a.ID, participantID); err != nil {
		t.Fatalf("participant get: %v", err)
	}

	all, err := h.svc.List(ctx, ListFilter{ProviderID: providerID})
	if err != nil || all.Total != 2 {
		t.Fatalf("list by provider: total=%d err=%v", all.Total, err)
	}
	pending, err := h.svc.List(ctx, ListFilter{ParticipantID: participantID, Status: StatusPending})
	if err != nil || pending.Total != 1 || pending.Items[0].ID == a.ID {
		t.Fatalf("list pending: %+v err=%v", pending, err)
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(&TerminalStateError{Event: EventCancel, State: StatusCompleted}) {
		t.Fatal("terminal state is a client error")
	}
	if !IsClientError(&content.Error{Strategy: content.KindCustomText, Reason: "blank"}) {
		t.Fatal("content error is a client error")
	}
	if IsClientError(errors.New("agreement: commit tx: connection reset")) {
		t.Fatal("infrastructure failure is not a client error")
	}
}

// --- harness ---

type harness struct {
	svc       *Service
	store     *fakeStore
	pool      *fakePool
	blobs     *fakeBlobs
	templates *stubTemplates
	seq       int
	mu        sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeStore()
	h := &harness{
		store: store,
		pool:  &fakePool{store: store},
		blobs: &fakeBlobs{objects: map[string]blob.Object{}},
		templates: &stubTemplates{items: map[string]content.LibraryTemplate{
			templateID:      {ID: templateID, ProviderID: providerID, FileURL: "https://files/std-v1.pdf", FileName: "std.pdf"},
			otherTemplateID: {ID: otherTemplateID, ProviderID: otherProviderID, FileURL: "https://files/other.pdf", FileName: "other.pdf"},
		}},
	}
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	h.svc = NewService(Dependencies{
		Pool:     h.pool,
		Repo:     &fakeRepo{store: store},
		Parties:  stubDirectory{providerID: party.RoleProvider, participantID: party.RoleParticipant},
		Content:  content.NewResolver(h.templates, h.blobs, nil),
		Capturer: signature.NewCapturer(),
		Auditor:  audit.NewRecorder(nil, 0, nil),
		Blobs:    h.blobs,
		Numbers:  numbering.NewAssigner(nil, nil),
	}).WithClock(func() time.Time { return clock }).WithIDGenerator(h.nextID)
	return h
}

func (h *harness) nextID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", h.seq)
}

func (h *harness) createParams(terms string) CreateParams {
	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	return CreateParams{
		ActorID:       providerID,
		ProviderID:    providerID,
		ParticipantID: participantID,
		StartDate:     start,
		EndDate:       start.AddDate(0, 3, 0),
		Content:       content.Request{Strategy: content.KindCustomText, Terms: terms},
	}
}

func (h *harness) create(t *testing.T) Record {
	t.Helper()
	rec, err := h.svc.Create(context.Background(), h.createParams("Weekly cleaning service"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func (h *harness) signedByBoth(t *testing.T) Record {
	t.Helper()
	rec := h.create(t)
	for _, p := range []struct {
		actor string
		role  party.Role
	}{{providerID, party.RoleProvider}, {participantID, party.RoleParticipant}} {
		var err error
		rec, err = h.svc.Sign(context.Background(), h.signParams(rec.ID, p.actor, p.role, strokePNG(t)))
		if err != nil {
			t.Fatalf("sign %s: %v", p.role, err)
		}
	}
	return rec
}

func (h *harness) signParams(id, actor string, role party.Role, img []byte) SignParams {
	return SignParams{
		AgreementID: id,
		ActorID:     actor,
		Role:        role,
		Image:       img,
		Audit:       audit.Context{RemoteAddr: "203.0.113.5:41000", UserAgent: "test"},
	}
}

func (h *harness) expectEvents(t *testing.T, agreementID string, want ...string) {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	var got []TimelineEvent
	for _, ev := range h.store.timeline {
		if ev.AgreementID == agreementID {
			got = append(got, ev)
		}
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Seq < got[j].Seq })
	if len(got) != len(want) {
		t.Fatalf("expected %d timeline events, got %d", len(want), len(got))
	}
	for i, ev := range got {
		if ev.Type != want[i] || ev.Seq != i+1 {
			t.Fatalf("event %d: expected %s seq %d, got %s seq %d", i, want[i], i+1, ev.Type, ev.Seq)
		}
	}
}

func (h *harness) expectTopics(t *testing.T, want ...string) {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.outbox) != len(want) {
		t.Fatalf("expected %d outbox messages, got %d", len(want), len(h.store.outbox))
	}
	for i, msg := range h.store.outbox {
		if msg.topic != want[i] {
			t.Fatalf("outbox %d: expected %s, got %s", i, want[i], msg.topic)
		}
	}
}

func strokePNG(t *testing.T) []byte { return strokePNGAt(t, 20) }

func strokePNGAt(t *testing.T, row int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 60, 30))
	for x := 5; x < 55; x++ {
		img.Set(x, row, color.Black)
	}
	return encode(t, img)
}

func blankPNG(t *testing.T) []byte {
	t.Helper()
	return encode(t, image.NewNRGBA(image.Rect(0, 0, 60, 30)))
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type stubDirectory map[string]party.Role

func (d stubDirectory) Require(_ context.Context, id string, role party.Role) (party.Party, error) {
	got, ok := d[id]
	if !ok {
		return party.Party{}, party.ErrNotFound
	}
	if got != role {
		return party.Party{}, party.ErrRoleMismatch
	}
	return party.Party{ID: id, Role: got}, nil
}

type stubTemplates struct {
	mu    sync.Mutex
	items map[string]content.LibraryTemplate
}

func (s *stubTemplates) GetTemplate(_ context.Context, id string) (content.LibraryTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.items[id]
	if !ok {
		return content.LibraryTemplate{}, content.ErrTemplateNotFound
	}
	return tpl, nil
}

func (s *stubTemplates) edit(id, fileURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl := s.items[id]
	tpl.FileURL = fileURL
	s.items[id] = tpl
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string]blob.Object
}

func (f *fakeBlobs) Put(_ context.Context, name, contentType string, data []byte) (blob.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	digest := blob.Digest(data)
	if obj, ok := f.objects[digest]; ok {
		return obj, nil
	}
	obj := blob.Object{Ref: blob.Ref(digest), Digest: digest, Name: name, ContentType: contentType, Size: int64(len(data))}
	f.objects[digest] = obj
	return obj, nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// --- fake persistence: per-record row locks, writes staged until commit ---

type outboxMsg struct {
	topic   string
	payload map[string]any
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]Record
	order    []string
	timeline []TimelineEvent
	outbox   []outboxMsg
	locks    map[string]*sync.Mutex

	beforeOutbox func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]Record{}, locks: map[string]*sync.Mutex{}}
}

func (s *fakeStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

type fakeRepo struct {
	store *fakeStore
}

func (r *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec.Version = 1
	tx.(*fakeTx).puts[rec.ID] = rec
	return rec, nil
}

func (r *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	ft := tx.(*fakeTx)
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	ft.lock(id)
	if rec, ok := ft.puts[id]; ok {
		return rec, nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	ft := tx.(*fakeTx)
	current, ok := ft.puts[rec.ID]
	if !ok {
		r.store.mu.Lock()
		current, ok = r.store.records[rec.ID]
		r.store.mu.Unlock()
	}
	if !ok || current.Version != rec.Version {
		return Record{}, ErrConcurrentUpdate
	}
	rec.Version++
	ft.puts[rec.ID] = rec
	return rec, nil
}

func (r *fakeRepo) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ft := tx.(*fakeTx)
	delete(ft.puts, id)
	ft.deletes = append(ft.deletes, id)
	return nil
}

func (r *fakeRepo) AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ft := tx.(*fakeTx)
	ft.timeline = append(ft.timeline, ev)
	return nil
}

func (r *fakeRepo) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if r.store.beforeOutbox != nil {
		r.store.beforeOutbox()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ft := tx.(*fakeTx)
	ft.outbox = append(ft.outbox, outboxMsg{topic: topic, payload: payload})
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (Record, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) List(_ context.Context, filter ListFilter) ([]Record, int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := []Record{}
	for _, id := range r.store.order {
		rec, ok := r.store.records[id]
		if !ok {
			continue
		}
		if filter.ProviderID != "" && rec.ProviderID != filter.ProviderID {
			continue
		}
		if filter.ParticipantID != "" && rec.ParticipantID != filter.ParticipantID {
			continue
		}
		if filter.Status.Valid() && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	return out, len(out), nil
}

type fakePool struct {
	store *fakeStore
	mu    sync.Mutex
	txs   []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &fakeTx{store: f.store, puts: map[string]Record{}, held: map[string]*sync.Mutex{}}
	f.mu.Lock()
	f.txs = append(f.txs, tx)
	f.mu.Unlock()
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	store     *fakeStore
	rolled    bool
	committed bool
	held      map[string]*sync.Mutex
	puts      map[string]Record
	deletes   []string
	timeline  []TimelineEvent
	outbox    []outboxMsg
}

func (f *fakeTx) lock(id string) {
	if _, ok := f.held[id]; ok {
		return
	}
	l := f.store.lockFor(id)
	l.Lock()
	f.held[id] = l
}

func (f *fakeTx) release() {
	for id, l := range f.held {
		l.Unlock()
		delete(f.held, id)
	}
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(ctx context.Context) error {
	if f.committed || f.rolled {
		return pgx.ErrTxClosed
	}
	if err := ctx.Err(); err != nil {
		f.rolled = true
		f.release()
		return err
	}
	f.store.mu.Lock()
	for id, rec := range f.puts {
		if _, exists := f.store.records[id]; !exists {
			f.store.order = append(f.store.order, id)
		}
		f.store.records[id] = rec
	}
	for _, id := range f.deletes {
		delete(f.store.records, id)
	}
	f.store.timeline = append(f.store.timeline, f.timeline...)
	f.store.outbox = append(f.store.outbox, f.outbox...)
	f.store.mu.Unlock()
	f.committed = true
	f.release()
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed || f.rolled {
		return pgx.ErrTxClosed
	}
	f.rolled = true
	f.release()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
