package model

// Status is a session's lifecycle state. The vocabulary is fixed for
// compatibility with persisted rows.
type Status string

const (
	StatusPending         Status = "pending"
	StatusWaiting         Status = "waiting"
	StatusLive            Status = "live"
	StatusScheduled       Status = "scheduled"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusCancelledNoShow Status = "cancelled_no_show"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusCancelledNoShow
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleMechanic Role = "mechanic"
	RoleUnknown  Role = ""
)

type SessionType string

const (
	TypeChat       SessionType = "chat"
	TypeVideo      SessionType = "video"
	TypeDiagnostic SessionType = "diagnostic"
)

// PlanMinutes maps a plan key to its base duration. Extensions add to it;
// total allotted time is always recomputed from the ledger at read time.
var PlanMinutes = map[string]int{
	"chat":       30,
	"video":      45,
	"diagnostic": 60,
}

type Session struct {
	ID             string
	Type           SessionType
	Plan           string
	CustomerID     string
	MechanicID     *string
	RequestID      *string
	Status         Status
	AmountCents    int64
	CreatedAt      int64
	ScheduledFor   *int64
	StartedAt      *int64
	EndedAt        *int64
	WaiverSignedAt *int64
	ReminderSentAt *int64
	EndedBy        *string
	AutoExpired    bool
	PlannedEndAt   *int64
}

// BaseMinutes resolves the plan's base duration, zero for unknown plans.
func (s *Session) BaseMinutes() int {
	return PlanMinutes[s.Plan]
}

// ExtensionGrant is one row of a session's append-only extension ledger.
type ExtensionGrant struct {
	ID        int64
	SessionID string
	Minutes   int
	GrantedBy string
	GrantedAt int64
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestCancelled RequestStatus = "cancelled"
)

// MatchRequest is the customer's pre-session ask, visible to mechanics
// until accepted or cancelled. Acceptance links the request and its
// session to each other in a single transaction.
type MatchRequest struct {
	ID          string
	CustomerID  string
	Type        SessionType
	Plan        string
	Description string
	Status      RequestStatus
	SessionID   *string
	MechanicID  *string
	CreatedAt   int64
	UpdatedAt   int64
}

// CompensationRecord is the mechanic's share of a no-show payout.
// Immutable once written, one per triggering session.
type CompensationRecord struct {
	ID          string
	SessionID   string
	MechanicID  string
	AmountCents int64
	CreatedAt   int64
}

// CreditRecord is the customer's remainder of a no-show payout, valid
// until ExpiresAt.
type CreditRecord struct {
	ID          string
	SessionID   string
	CustomerID  string
	AmountCents int64
	ExpiresAt   int64
	CreatedAt   int64
}
