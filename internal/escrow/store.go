package escrow

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

// DeadlineField selects which deadline a due-query compares against.
type DeadlineField string

const (
	FinalApprovalDeadline     DeadlineField = "final_approval_deadline"
	DisputeResolutionDeadline DeadlineField = "dispute_resolution_deadline"
)

// Keyset is the position of the last row of an ascending page. The next
// page starts strictly after (At, ID).
type Keyset struct {
	At time.Time
	ID string
}

// covers reports whether (at, id) sorts at or before k, i.e. belongs to an
// earlier page. A nil keyset covers nothing.
func (k *Keyset) covers(at time.Time, id string) bool {
	if k == nil {
		return false
	}
	if !at.Equal(k.At) {
		return at.Before(k.At)
	}
	return id <= k.ID
}

// DueQuery selects deals in Status whose Deadline is at or before Before,
// ordered by (deadline, id) and starting strictly after After.
type DueQuery struct {
	Status         Status
	Deadline       DeadlineField
	Before         time.Time
	CrossChainOnly bool
	Limit          int
	After          *Keyset
}

// DueKeyset returns the position of d in a due-query over field.
func DueKeyset(d *Deal, field DeadlineField) Keyset {
	var at time.Time
	if dl := d.deadline(field); dl != nil {
		at = *dl
	}
	return Keyset{At: at, ID: d.ID}
}

// CreatedKeyset returns the position of d in a ListByStatus page.
func CreatedKeyset(d *Deal) Keyset { return Keyset{At: d.CreatedAt, ID: d.ID} }

// Store persists deals.
//
// Update is a conditional write: it succeeds only if the stored version
// equals expectedVersion, in which case the stored version becomes
// expectedVersion+1 and deal.Version is set to match. Otherwise it returns
// ErrVersionConflict and stores nothing.
type Store interface {
	Create(ctx context.Context, deal *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	Update(ctx context.Context, deal *Deal, expectedVersion int64) error
	ListDue(ctx context.Context, q DueQuery) ([]*Deal, error)
	// ListByStatus returns deals in status oldest first by (created_at, id),
	// starting strictly after the keyset.
	ListByStatus(ctx context.Context, status Status, crossChainOnly bool, limit int, after *Keyset) ([]*Deal, error)
	// ListByParty returns deals where userID is buyer or seller, newest
	// first by (created_at, id), starting strictly after the cursor.
	ListByParty(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Deal, error)
}

func (d *Deal) deadline(field DeadlineField) *time.Time {
	switch field {
	case FinalApprovalDeadline:
		return d.FinalApprovalDeadline
	case DisputeResolutionDeadline:
		return d.DisputeResolutionDeadline
	}
	return nil
}
