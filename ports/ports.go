// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher hashes and verifies secrets (admin passwords).
type Hasher interface {
	Hash(plaintext string) ([]byte, error)
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTxConflict is returned when a transactional operation could not acquire
// a consistent view within its wait budget. It is retryable; it never means
// insufficient balance or quota.
var ErrTxConflict = errors.New("transaction conflict")

// -----------------------------------------------------------------------------
// Unit of Work
// -----------------------------------------------------------------------------

// Isolation selects a transaction isolation level. The store driver is
// responsible for mapping it to the correct mechanism.
type Isolation int

const (
	// ReadCommitted is the driver's default level.
	ReadCommitted Isolation = iota
	// Serializable orders conflicting concurrent transactions. Every
	// balance- or quota-mutating operation that must be race-free runs
	// at this level.
	Serializable
)

// TxOptions configures one unit of work.
type TxOptions struct {
	Isolation Isolation
	// Wait bounds how long the transaction may block acquiring a
	// consistent view. Exceeding it aborts with ErrTxConflict.
	Wait time.Duration
}

// Tx is the set of stores visible inside one transaction. Mutations made
// through a Tx are atomic: they all commit or none do, and no partial state
// is observable to concurrent readers.
type Tx interface {
	Ledger() LedgerStore
	Quotas() QuotaStore
	Users() UserStore
	Jobs() JobStore
	Subscriptions() SubscriptionStore
}

// UnitOfWork runs a function inside a transaction.
type UnitOfWork interface {
	// InTx runs fn inside a transaction at the requested isolation level.
	// A non-nil error from fn rolls the transaction back and is returned
	// unchanged.
	InTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// LedgerStore persists the append-only credit ledger.
type LedgerStore interface {
	// Latest returns the most recent entry for a user. A user with no
	// entries yields a zero entry (balance 0) and no error.
	Latest(ctx context.Context, userID string) (credit.Entry, error)

	// Append stores a new entry. Entries are immutable once written.
	Append(ctx context.Context, e credit.Entry) error

	// List returns entries newest-first with pagination.
	List(ctx context.Context, userID string, limit, offset int) ([]credit.Entry, error)

	// Count returns the number of entries for a user.
	Count(ctx context.Context, userID string) (int64, error)

	// FindByReference returns an existing entry of the given type for
	// referenceID created at or after since, if one exists. Refund and
	// purchase idempotency both hang off this lookup. A zero since means
	// no time bound.
	FindByReference(ctx context.Context, userID, referenceID string, typ credit.EntryType, since time.Time) (credit.Entry, bool, error)
}

// QuotaStore persists period quota counters.
// Uniqueness holds on (userID, period, quotaType).
type QuotaStore interface {
	// Get retrieves the counter for a specific period key.
	Get(ctx context.Context, userID string, typ quota.Type, period string) (quota.Counter, bool, error)

	// Create stores a new counter.
	Create(ctx context.Context, c quota.Counter) error

	// Update replaces the counter's mutable fields (usage, breakdown, limit).
	Update(ctx context.Context, c quota.Counter) error

	// Delete removes a counter by id.
	Delete(ctx context.Context, id string) error

	// ListExpired returns counters whose ResetAt is at or before now.
	ListExpired(ctx context.Context, typ quota.Type, now time.Time) ([]quota.Counter, error)
}

// UserStore persists user accounts.
type UserStore interface {
	Get(ctx context.Context, id string) (account.User, error)
	GetByEmail(ctx context.Context, email string) (account.User, error)
	Create(ctx context.Context, u account.User) error
	Update(ctx context.Context, u account.User) error
	List(ctx context.Context, limit, offset int) ([]account.User, error)
	Count(ctx context.Context) (int, error)
}

// JobStore persists batch generation job accounting records.
type JobStore interface {
	Get(ctx context.Context, id string) (job.Job, error)
	Create(ctx context.Context, j job.Job) error
	Update(ctx context.Context, j job.Job) error
	ListByUser(ctx context.Context, userID string, limit int) ([]job.Job, error)
}

// PlanStore persists subscription plans.
type PlanStore interface {
	Get(ctx context.Context, id string) (plan.Plan, error)
	List(ctx context.Context) ([]plan.Plan, error)
	Create(ctx context.Context, p plan.Plan) error
	Update(ctx context.Context, p plan.Plan) error
}

// SubscriptionStore persists subscriptions (one active per user).
type SubscriptionStore interface {
	GetByUser(ctx context.Context, userID string) (plan.Subscription, error)
	Create(ctx context.Context, s plan.Subscription) error
	Update(ctx context.Context, s plan.Subscription) error

	// ListDue returns active subscriptions past their end date.
	ListDue(ctx context.Context, now time.Time) ([]plan.Subscription, error)
}

// UsageStore persists app usage analytics events.
type UsageStore interface {
	RecordBatch(ctx context.Context, events []usage.Event) error
	ListByUser(ctx context.Context, userID string, limit int) ([]usage.Event, error)
}

// -----------------------------------------------------------------------------
// Collaborator Ports
// -----------------------------------------------------------------------------

// ModelCatalog is the read-only catalog collaborator. The accounting core
// trusts its metadata (tier, enabled, cost parameters) and nothing else.
type ModelCatalog interface {
	Get(ctx context.Context, modelKey string) (entitlement.Model, error)
	ListForApp(ctx context.Context, appID string) ([]entitlement.Model, error)
}

// Handoff is what the execution collaborator receives after a charge
// succeeds. The collaborator reports per-unit success/failure back to the
// compensation processor when the job finishes.
type Handoff struct {
	JobID     string
	UserID    string
	Cost      int64
	UsageType job.UsageType
	Priority  int
}

// JobRunner executes batch generation jobs.
type JobRunner interface {
	// Enqueue hands a charged job to the execution layer and returns the
	// queue's job id.
	Enqueue(ctx context.Context, h Handoff) (string, error)
}

// TopUp is a confirmed credit purchase parsed from a payment provider event.
type TopUp struct {
	UserID    string
	Credits   int64
	PaymentID string
}

// PaymentProvider verifies and parses payment webhook events.
type PaymentProvider interface {
	Name() string
	// ParseTopUp verifies the event signature and extracts the purchase.
	// Events that are valid but not credit purchases return ErrNotFound.
	ParseTopUp(payload []byte, signature string) (TopUp, error)
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// UsageRecorder accepts usage events for async processing.
type UsageRecorder interface {
	// Record queues a usage event. Non-blocking.
	Record(e usage.Event)

	// Flush forces immediate processing of queued events.
	Flush(ctx context.Context) error

	// Close stops the recorder and flushes remaining events.
	Close() error
}
