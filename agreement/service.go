package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"agreementflow/audit"
	"agreementflow/blob"
	"agreementflow/content"
	"agreementflow/party"
	"agreementflow/signature"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PartyDirectory interface {
	Require(ctx context.Context, id string, role party.Role) (party.Party, error)
}

type ContentResolver interface {
	Resolve(ctx context.Context, req content.Request) (content.Descriptor, error)
}

type SignatureCapturer interface {
	Capture(role party.Role, raw []byte) (signature.Record, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, c audit.Context) audit.Entry
}

type BlobWriter interface {
	Put(ctx context.Context, name, contentType string, data []byte) (blob.Object, error)
}

type NumberAssigner interface {
	Assign(ctx context.Context) string
}

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Pool     TxBeginner
	Repo     Repository
	Parties  PartyDirectory
	Content  ContentResolver
	Capturer SignatureCapturer
	Auditor  AuditRecorder
	Blobs    BlobWriter
	Numbers  NumberAssigner
	Logger   *zap.Logger
}

// Service orchestrates agreement creation, signing and status changes. Every
// mutation runs in one transaction together with its timeline event and
// outbox message.
type Service struct {
	pool        TxBeginner
	repo        Repository
	parties     PartyDirectory
	content     ContentResolver
	capturer    SignatureCapturer
	auditor     AuditRecorder
	blobs       BlobWriter
	numbers     NumberAssigner
	controller  Controller
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:        deps.Pool,
		repo:        deps.Repo,
		parties:     deps.Parties,
		content:     deps.Content,
		capturer:    deps.Capturer,
		auditor:     deps.Auditor,
		blobs:       deps.Blobs,
		numbers:     deps.Numbers,
		controller:  NewController(),
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams describes a new agreement. ActorID is the calling party; empty
// means a trusted internal caller.
type CreateParams struct {
	ActorID       string
	ProviderID    string
	ParticipantID string
	ServiceID     *string
	StartDate     time.Time
	EndDate       time.Time
	Content       content.Request
}

// Create validates the request, resolves content and stores a pending,
// unsigned agreement.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	dates, err := NewDateRange(params.StartDate, params.EndDate)
	if err != nil {
		return Record{}, err
	}
	params.ActorID = canonicalID(params.ActorID)
	params.ProviderID = canonicalID(params.ProviderID)
	params.ParticipantID = canonicalID(params.ParticipantID)
	if params.ActorID != "" && params.ActorID != params.ProviderID && params.ActorID != params.ParticipantID {
		return Record{}, fmt.Errorf("%w: actor is not a party to the agreement", ErrForbidden)
	}
	if _, err := s.parties.Require(ctx, params.ProviderID, party.RoleProvider); err != nil {
		return Record{}, fmt.Errorf("agreement: provider: %w", err)
	}
	if _, err := s.parties.Require(ctx, params.ParticipantID, party.RoleParticipant); err != nil {
		return Record{}, fmt.Errorf("agreement: participant: %w", err)
	}

	req := params.Content
	req.ProviderID = params.ProviderID
	descriptor, err := s.content.Resolve(ctx, req)
	if err != nil {
		return Record{}, err
	}

	now := s.now().UTC()
	rec := Record{
		ID:            s.idGenerator(),
		Number:        s.numbers.Assign(ctx),
		ProviderID:    params.ProviderID,
		ParticipantID: params.ParticipantID,
		ServiceID:     params.ServiceID,
		Content:       descriptor,
		Dates:         dates,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var created Record
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = s.repo.Insert(ctx, tx, rec)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"agreement_id":     created.ID,
			"agreement_number": created.Number,
			"content_kind":     string(created.Content.Kind()),
			"start_date":       created.Dates.Start.Format(time.DateOnly),
			"end_date":         created.Dates.End.Format(time.DateOnly),
		}
		return s.record(ctx, tx, created, params.ActorID, EventTypeCreated, OutboxTopicCreated, payload)
	})
	if err != nil {
		return Record{}, err
	}

	s.logger.Info("agreement created",
		zap.String("agreement_id", created.ID),
		zap.String("agreement_number", created.Number),
		zap.String("content_kind", string(created.Content.Kind())),
	)
	return created, nil
}

// SignParams carries one party's signature submission.
type SignParams struct {
	AgreementID string
	ActorID     string
	Role        party.Role
	Image       []byte
	Audit       audit.Context
}

// Sign captures, stores and attaches a signature for params.Role. Signing a
// role that already signed returns the record unchanged.
func (s *Service) Sign(ctx context.Context, params SignParams) (Record, error) {
	id, err := parseAgreementID(params.AgreementID)
	if err != nil {
		return Record{}, err
	}
	params.AgreementID = id
	params.ActorID = canonicalID(params.ActorID)

	sig, err := s.capturer.Capture(params.Role, params.Image)
	if err != nil {
		return Record{}, err
	}

	current, err := s.repo.Get(ctx, params.AgreementID)
	if err != nil {
		return Record{}, err
	}
	if err := authorizeSigner(current, params.ActorID, params.Role); err != nil {
		return Record{}, err
	}
	if current.Status.Terminal() {
		return Record{}, &TerminalStateError{Event: EventSign, State: current.Status}
	}
	if current.Signed(params.Role) {
		return current, nil
	}

	obj, err := s.blobs.Put(ctx, fmt.Sprintf("%s-%s-signature", current.Number, params.Role), sig.ContentType, sig.Image)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: store signature image: %w", err)
	}
	sig.ImageRef = obj.Ref
	sig.ImageDigest = obj.Digest

	auditCtx := params.Audit
	auditCtx.DocumentID = current.Number
	sig.Audit = s.auditor.Record(ctx, auditCtx)

	var (
		signed  Record
		changed bool
	)
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		rec, err := s.repo.GetForUpdate(ctx, tx, params.AgreementID)
		if err != nil {
			return err
		}
		changed, err = s.controller.Sign(&rec, sig)
		if err != nil {
			return err
		}
		if !changed {
			signed = rec
			return nil
		}
		rec.UpdatedAt = s.now().UTC()
		signed, err = s.repo.Update(ctx, tx, rec)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"agreement_id": signed.ID,
			"role":         string(params.Role),
			"signed_at":    sig.SignedAt,
			"ip_address":   sig.Audit.IPAddress,
			"image_ref":    sig.ImageRef,
			"both_signed":  signed.BothSigned(),
		}
		return s.record(ctx, tx, signed, params.ActorID, EventTypeSigned, OutboxTopicSigned, payload)
	})
	if err != nil {
		return Record{}, err
	}

	if changed {
		s.logger.Info("agreement signed",
			zap.String("agreement_id", signed.ID),
			zap.String("role", string(params.Role)),
			zap.String("ip_address", sig.Audit.IPAddress),
			zap.Bool("both_signed", signed.BothSigned()),
		)
	}
	return signed, nil
}

type TransitionParams struct {
	AgreementID string
	ActorID     string
	Event       Event
}

// Transition applies a status event through the lifecycle controller. A
// terminal record reports TerminalStateError to any caller, party or not.
func (s *Service) Transition(ctx context.Context, params TransitionParams) (Record, error) {
	id, err := parseAgreementID(params.AgreementID)
	if err != nil {
		return Record{}, err
	}
	params.AgreementID = id
	params.ActorID = canonicalID(params.ActorID)

	var (
		updated  Record
		previous Status
	)
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		rec, err := s.repo.GetForUpdate(ctx, tx, params.AgreementID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return &TerminalStateError{Event: params.Event, State: rec.Status}
		}
		if err := authorizeTransition(rec, params.ActorID, params.Event); err != nil {
			return err
		}
		previous = rec.Status
		if err := s.controller.Apply(&rec, params.Event); err != nil {
			return err
		}
		rec.UpdatedAt = s.now().UTC()
		updated, err = s.repo.Update(ctx, tx, rec)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"agreement_id":    updated.ID,
			"event":           string(params.Event),
			"previous_status": previous.String(),
			"next_status":     updated.Status.String(),
		}
		return s.record(ctx, tx, updated, params.ActorID, EventTypeStatusChanged, OutboxTopicStatusChanged, payload)
	})
	if err != nil {
		return Record{}, err
	}

	s.logger.Info("agreement status changed",
		zap.String("agreement_id", updated.ID),
		zap.String("from", previous.String()),
		zap.String("to", updated.Status.String()),
	)
	return updated, nil
}

type RescheduleParams struct {
	AgreementID string
	ActorID     string
	StartDate   time.Time
	EndDate     time.Time
}

// Reschedule edits the service period of a pending agreement nobody has signed.
func (s *Service) Reschedule(ctx context.Context, params RescheduleParams) (Record, error) {
	id, err := parseAgreementID(params.AgreementID)
	if err != nil {
		return Record{}, err
	}
	params.AgreementID = id
	params.ActorID = canonicalID(params.ActorID)

	dates, err := NewDateRange(params.StartDate, params.EndDate)
	if err != nil {
		return Record{}, err
	}

	var updated Record
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		rec, err := s.repo.GetForUpdate(ctx, tx, params.AgreementID)
		if err != nil {
			return err
		}
		if err := authorizeProvider(rec, params.ActorID); err != nil {
			return err
		}
		if rec.Status != StatusPending || rec.AnySigned() {
			return fmt.Errorf("%w: dates are frozen once %s or signed", ErrLocked, rec.Status)
		}
		previous := rec.Dates
		rec.Dates = dates
		rec.UpdatedAt = s.now().UTC()
		updated, err = s.repo.Update(ctx, tx, rec)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"agreement_id":        updated.ID,
			"previous_start_date": previous.Start.Format(time.DateOnly),
			"previous_end_date":   previous.End.Format(time.DateOnly),
			"start_date":          updated.Dates.Start.Format(time.DateOnly),
			"end_date":            updated.Dates.End.Format(time.DateOnly),
		}
		return s.record(ctx, tx, updated, params.ActorID, EventTypeRescheduled, OutboxTopicRescheduled, payload)
	})
	if err != nil {
		return Record{}, err
	}
	return updated, nil
}

type DeleteParams struct {
	AgreementID string
	ActorID     string
}

// Delete removes a pending agreement that neither party has signed.
func (s *Service) Delete(ctx context.Context, params DeleteParams) error {
	id, err := parseAgreementID(params.AgreementID)
	if err != nil {
		return err
	}
	params.AgreementID = id
	params.ActorID = canonicalID(params.ActorID)

	var number string
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		rec, err := s.repo.GetForUpdate(ctx, tx, params.AgreementID)
		if err != nil {
			return err
		}
		if err := authorizeProvider(rec, params.ActorID); err != nil {
			return err
		}
		if rec.Status != StatusPending || rec.AnySigned() {
			return fmt.Errorf("%w: agreement is %s", ErrNotDeletable, describeSignatures(rec))
		}
		if err := s.repo.Delete(ctx, tx, rec.ID); err != nil {
			return err
		}
		number = rec.Number
		return s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDeleted, map[string]any{
			"agreement_id":     rec.ID,
			"agreement_number": rec.Number,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("agreement deleted",
		zap.String("agreement_id", params.AgreementID),
		zap.String("agreement_number", number),
	)
	return nil
}

// Get returns an agreement. A non-empty actorID must belong to one of its parties.
func (s *Service) Get(ctx context.Context, id, actorID string) (Record, error) {
	id, err := parseAgreementID(id)
	if err != nil {
		return Record{}, err
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if actorID != "" {
		if _, ok := rec.RoleOf(actorID); !ok {
			return Record{}, ErrForbidden
		}
	}
	return rec, nil
}

// List returns the agreements matching filter. A party filter that is not a
// UUID matches nothing.
func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	for _, id := range []*string{&filter.ProviderID, &filter.ParticipantID} {
		if *id == "" {
			continue
		}
		u, err := uuid.Parse(*id)
		if err != nil {
			return ListResult{Items: []Record{}}, nil
		}
		*id = u.String()
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}
	return nil
}

// record appends the timeline event and outbox message for a mutation of rec.
// The timeline sequence follows the record version.
func (s *Service) record(ctx context.Context, tx pgx.Tx, rec Record, actorID, eventType, topic string, payload map[string]any) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if err := s.repo.AppendTimeline(ctx, tx, TimelineEvent{
		AgreementID: rec.ID,
		Seq:         rec.Version,
		Type:        eventType,
		ActorID:     actor,
		Payload:     payload,
	}); err != nil {
		return err
	}
	outbox := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		outbox[k] = v
	}
	outbox["version"] = rec.Version
	return s.repo.EnqueueOutbox(ctx, tx, topic, outbox)
}

func authorizeSigner(rec Record, actorID string, role party.Role) error {
	if actorID == "" {
		return nil
	}
	actorRole, ok := rec.RoleOf(actorID)
	if !ok || actorRole != role {
		return fmt.Errorf("%w: actor may not sign as %s", ErrForbidden, role)
	}
	return nil
}

func authorizeTransition(rec Record, actorID string, ev Event) error {
	if actorID == "" {
		return nil
	}
	role, ok := rec.RoleOf(actorID)
	if !ok {
		return fmt.Errorf("%w: actor is not a party to the agreement", ErrForbidden)
	}
	if ev == EventCancel || role == party.RoleProvider {
		return nil
	}
	return fmt.Errorf("%w: only the provider may %s", ErrForbidden, ev)
}

func authorizeProvider(rec Record, actorID string) error {
	if actorID == "" || canonicalID(actorID) == canonicalID(rec.ProviderID) {
		return nil
	}
	return fmt.Errorf("%w: only the provider may change this agreement", ErrForbidden)
}

func describeSignatures(rec Record) string {
	if rec.Status != StatusPending {
		return rec.Status.String()
	}
	return "signed"
}

// IsClientError reports whether err is a rejection caused by the request
// rather than an infrastructure failure.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrInvalidTransition, ErrTerminalState, ErrDateRange, ErrForbidden,
		ErrLocked, ErrNotDeletable, ErrConcurrentUpdate,
		content.ErrContent, signature.ErrEmptySignature, party.ErrNotFound, party.ErrRoleMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
