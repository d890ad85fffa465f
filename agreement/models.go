package agreement

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"agreementflow/content"
	"agreementflow/party"
	"agreementflow/signature"
)

// Record is a service agreement between one provider and one participant.
type Record struct {
	ID                   string
	Number               string
	ProviderID           string
	ParticipantID        string
	ServiceID            *string
	Content              content.Descriptor
	Dates                DateRange
	Status               Status
	ProviderSigned       bool
	ParticipantSigned    bool
	ProviderSignature    *signature.Record
	ParticipantSignature *signature.Record
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DateRange is the service period. End may equal Start.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange normalises start and end to calendar days and checks their order.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: dateOnly(start), End: dateOnly(end)}
	if r.End.Before(r.Start) {
		return DateRange{}, &DateRangeError{Start: r.Start, End: r.End}
	}
	return r, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BothSigned reports whether provider and participant have both signed.
func (r Record) BothSigned() bool {
	return r.ProviderSigned && r.ParticipantSigned
}

// AnySigned reports whether at least one party has signed.
func (r Record) AnySigned() bool {
	return r.ProviderSigned || r.ParticipantSigned
}

// Signed reports whether role has signed.
func (r Record) Signed(role party.Role) bool {
	switch role {
	case party.RoleProvider:
		return r.ProviderSigned
	case party.RoleParticipant:
		return r.ParticipantSigned
	default:
		return false
	}
}

// RoleOf returns the role partyID holds on the agreement. IDs compare in
// canonical UUID form.
func (r Record) RoleOf(partyID string) (party.Role, bool) {
	if partyID == "" {
		return "", false
	}
	switch canonicalID(partyID) {
	case canonicalID(r.ProviderID):
		return party.RoleProvider, true
	case canonicalID(r.ParticipantID):
		return party.RoleParticipant, true
	default:
		return "", false
	}
}

// canonicalID returns id in lower-case hyphenated UUID form, or id unchanged
// when it is not a UUID.
func canonicalID(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return id
	}
	return u.String()
}

// parseAgreementID canonicalizes an agreement ID. A value that is not a UUID
// cannot name a stored agreement and yields ErrNotFound.
func parseAgreementID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return u.String(), nil
}

// ListFilter narrows List results. Empty fields are ignored.
type ListFilter struct {
	ProviderID    string
	ParticipantID string
	Status        Status
	Page          int
	PageSize      int
}

// ListResult is one page of agreements.
type ListResult struct {
	Items []Record
	Total int
}

// TimelineEvent captures an immutable business event for an agreement.
type TimelineEvent struct {
	ID          int64
	AgreementID string
	Seq         int
	Type        string
	ActorID     *string
	CreatedAt   time.Time
	Payload     map[string]any
}

const (
	EventTypeCreated       = "AGREEMENT_CREATED"
	EventTypeSigned        = "AGREEMENT_SIGNED"
	EventTypeStatusChanged = "AGREEMENT_STATUS_CHANGED"
	EventTypeRescheduled   = "AGREEMENT_RESCHEDULED"

	OutboxTopicCreated       = "agreement.created"
	OutboxTopicSigned        = "agreement.signed"
	OutboxTopicStatusChanged = "agreement.status_changed"
	OutboxTopicRescheduled   = "agreement.rescheduled"
	OutboxTopicDeleted       = "agreement.deleted"
)
