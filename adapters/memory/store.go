// Package memory provides in-memory implementations of storage ports.
// Intended for tests and single-process embedding; the unit of work
// serializes transactions with a mutex and rolls back via snapshots.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

type state struct {
	ledger   map[string][]credit.Entry // per user, append order
	counters map[string]quota.Counter  // by id
	users    map[string]account.User
	jobs     map[string]job.Job
	subs     map[string]plan.Subscription // by user id
}

func newState() *state {
	return &state{
		ledger:   map[string][]credit.Entry{},
		counters: map[string]quota.Counter{},
		users:    map[string]account.User{},
		jobs:     map[string]job.Job{},
		subs:     map[string]plan.Subscription{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.ledger {
		c.ledger[k] = append([]credit.Entry(nil), v...)
	}
	for k, v := range s.counters {
		c.counters[k] = cloneCounter(v)
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	return c
}

func cloneCounter(c quota.Counter) quota.Counter {
	b := make(map[string]int64, len(c.ModelBreakdown))
	for k, v := range c.ModelBreakdown {
		b[k] = v
	}
	c.ModelBreakdown = b
	return c
}

// Store is an in-memory ports.UnitOfWork and store bundle.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// InTx runs fn against the shared state under the store mutex. Holding the
// mutex for the whole unit of work gives mutual exclusion, which is a strict
// form of serializability. On error the pre-transaction snapshot is restored.
func (s *Store) InTx(ctx context.Context, opts ports.TxOptions, fn func(tx ports.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(bundle{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Ledger returns the auto-commit ledger store.
func (s *Store) Ledger() ports.LedgerStore { return &lockedLedger{s: s} }

// Quotas returns the auto-commit quota store.
func (s *Store) Quotas() ports.QuotaStore { return &lockedQuotas{s: s} }

// Users returns the auto-commit user store.
func (s *Store) Users() ports.UserStore { return &lockedUsers{s: s} }

// Jobs returns the auto-commit job store.
func (s *Store) Jobs() ports.JobStore { return &lockedJobs{s: s} }

// Subscriptions returns the auto-commit subscription store.
func (s *Store) Subscriptions() ports.SubscriptionStore { return &lockedSubs{s: s} }

// bundle exposes unlocked stores while the Store mutex is held by InTx.
type bundle struct {
	st *state
}

func (b bundle) Ledger() ports.LedgerStore { return ledgerOps{st: b.st} }
func (b bundle) Quotas() ports.QuotaStore  { return quotaOps{st: b.st} }
func (b bundle) Users() ports.UserStore    { return userOps{st: b.st} }
func (b bundle) Jobs() ports.JobStore      { return jobOps{st: b.st} }

func (b bundle) Subscriptions() ports.SubscriptionStore { return subOps{st: b.st} }

// ----------------------------------------------------------------------------
// Ledger
// ----------------------------------------------------------------------------

type ledgerOps struct{ st *state }

func (o ledgerOps) Latest(_ context.Context, userID string) (credit.Entry, error) {
	entries := o.st.ledger[userID]
	if len(entries) == 0 {
		return credit.Entry{UserID: userID}, nil
	}
	return entries[len(entries)-1], nil
}

func (o ledgerOps) Append(_ context.Context, e credit.Entry) error {
	o.st.ledger[e.UserID] = append(o.st.ledger[e.UserID], e)
	return nil
}

func (o ledgerOps) List(_ context.Context, userID string, limit, offset int) ([]credit.Entry, error) {
	entries := o.st.ledger[userID]
	out := make([]credit.Entry, 0, limit)
	for i := len(entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (o ledgerOps) Count(_ context.Context, userID string) (int64, error) {
	return int64(len(o.st.ledger[userID])), nil
}

func (o ledgerOps) FindByReference(_ context.Context, userID, referenceID string, typ credit.EntryType, since time.Time) (credit.Entry, bool, error) {
	entries := o.st.ledger[userID]
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type == typ && e.ReferenceID == referenceID && !e.CreatedAt.Before(since) {
			return e, true, nil
		}
	}
	return credit.Entry{}, false, nil
}

type lockedLedger struct{ s *Store }

func (l *lockedLedger) Latest(ctx context.Context, userID string) (credit.Entry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return ledgerOps{st: l.s.st}.Latest(ctx, userID)
}

func (l *lockedLedger) Append(ctx context.Context, e credit.Entry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return ledgerOps{st: l.s.st}.Append(ctx, e)
}

func (l *lockedLedger) List(ctx context.Context, userID string, limit, offset int) ([]credit.Entry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return ledgerOps{st: l.s.st}.List(ctx, userID, limit, offset)
}

func (l *lockedLedger) Count(ctx context.Context, userID string) (int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return ledgerOps{st: l.s.st}.Count(ctx, userID)
}

func (l *lockedLedger) FindByReference(ctx context.Context, userID, referenceID string, typ credit.EntryType, since time.Time) (credit.Entry, bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return ledgerOps{st: l.s.st}.FindByReference(ctx, userID, referenceID, typ, since)
}

// ----------------------------------------------------------------------------
// Quotas
// ----------------------------------------------------------------------------

type quotaOps struct{ st *state }

func (o quotaOps) Get(_ context.Context, userID string, typ quota.Type, period string) (quota.Counter, bool, error) {
	for _, c := range o.st.counters {
		if c.UserID == userID && c.QuotaType == typ && c.Period == period {
			return cloneCounter(c), true, nil
		}
	}
	return quota.Counter{}, false, nil
}

func (o quotaOps) Create(_ context.Context, c quota.Counter) error {
	o.st.counters[c.ID] = cloneCounter(c)
	return nil
}

func (o quotaOps) Update(_ context.Context, c quota.Counter) error {
	if _, ok := o.st.counters[c.ID]; !ok {
		return ports.ErrNotFound
	}
	o.st.counters[c.ID] = cloneCounter(c)
	return nil
}

func (o quotaOps) Delete(_ context.Context, id string) error {
	delete(o.st.counters, id)
	return nil
}

func (o quotaOps) ListExpired(_ context.Context, typ quota.Type, now time.Time) ([]quota.Counter, error) {
	var out []quota.Counter
	for _, c := range o.st.counters {
		if c.QuotaType == typ && !c.ResetAt.After(now) {
			out = append(out, cloneCounter(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type lockedQuotas struct{ s *Store }

func (l *lockedQuotas) Get(ctx context.Context, userID string, typ quota.Type, period string) (quota.Counter, bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return quotaOps{st: l.s.st}.Get(ctx, userID, typ, period)
}

func (l *lockedQuotas) Create(ctx context.Context, c quota.Counter) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return quotaOps{st: l.s.st}.Create(ctx, c)
}

func (l *lockedQuotas) Update(ctx context.Context, c quota.Counter) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return quotaOps{st: l.s.st}.Update(ctx, c)
}

func (l *lockedQuotas) Delete(ctx context.Context, id string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return quotaOps{st: l.s.st}.Delete(ctx, id)
}

func (l *lockedQuotas) ListExpired(ctx context.Context, typ quota.Type, now time.Time) ([]quota.Counter, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return quotaOps{st: l.s.st}.ListExpired(ctx, typ, now)
}

// ----------------------------------------------------------------------------
// Users
// ----------------------------------------------------------------------------

type userOps struct{ st *state }

func (o userOps) Get(_ context.Context, id string) (account.User, error) {
	u, ok := o.st.users[id]
	if !ok {
		return account.User{}, ports.ErrNotFound
	}
	return u, nil
}

func (o userOps) GetByEmail(_ context.Context, email string) (account.User, error) {
	for _, u := range o.st.users {
		if u.Email == email {
			return u, nil
		}
	}
	return account.User{}, ports.ErrNotFound
}

func (o userOps) Create(_ context.Context, u account.User) error {
	o.st.users[u.ID] = u
	return nil
}

func (o userOps) Update(_ context.Context, u account.User) error {
	if _, ok := o.st.users[u.ID]; !ok {
		return ports.ErrNotFound
	}
	o.st.users[u.ID] = u
	return nil
}

func (o userOps) List(_ context.Context, limit, offset int) ([]account.User, error) {
	ids := make([]string, 0, len(o.st.users))
	for id := range o.st.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []account.User
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, o.st.users[ids[i]])
	}
	return out, nil
}

func (o userOps) Count(_ context.Context) (int, error) {
	return len(o.st.users), nil
}

type lockedUsers struct{ s *Store }

func (l *lockedUsers) Get(ctx context.Context, id string) (account.User, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return userOps{st: l.s.st}.Get(ctx, id)
}

func (l *lockedUsers) GetByEmail(ctx context.Context, email string) (account.User, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return userOps{st: l.s.st}.GetByEmail(ctx, email)
}

func (l *lockedUsers) Create(ctx context.Context, u account.User) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return userOps{st: l.s.st}.Create(ctx, u)
}

func (l *lockedUsers) Update(ctx context.Context, u account.User) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return userOps{st: l.s.st}.Update(ctx, u)
}

func (l *lockedUsers) List(ctx context.Context, limit, offset int) ([]account.User, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return userOps{st: l.s.st}.List(ctx, limit, offset)
}

func (l *lockedUsers) Count(ctx context.Context) (int, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return userOps{st: l.s.st}.Count(ctx)
}

// ----------------------------------------------------------------------------
// Jobs
// ----------------------------------------------------------------------------

type jobOps struct{ st *state }

func (o jobOps) Get(_ context.Context, id string) (job.Job, error) {
	j, ok := o.st.jobs[id]
	if !ok {
		return job.Job{}, ports.ErrNotFound
	}
	return j, nil
}

func (o jobOps) Create(_ context.Context, j job.Job) error {
	o.st.jobs[j.ID] = j
	return nil
}

func (o jobOps) Update(_ context.Context, j job.Job) error {
	if _, ok := o.st.jobs[j.ID]; !ok {
		return ports.ErrNotFound
	}
	o.st.jobs[j.ID] = j
	return nil
}

func (o jobOps) ListByUser(_ context.Context, userID string, limit int) ([]job.Job, error) {
	var out []job.Job
	for _, j := range o.st.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type lockedJobs struct{ s *Store }

func (l *lockedJobs) Get(ctx context.Context, id string) (job.Job, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return jobOps{st: l.s.st}.Get(ctx, id)
}

func (l *lockedJobs) Create(ctx context.Context, j job.Job) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return jobOps{st: l.s.st}.Create(ctx, j)
}

func (l *lockedJobs) Update(ctx context.Context, j job.Job) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return jobOps{st: l.s.st}.Update(ctx, j)
}

func (l *lockedJobs) ListByUser(ctx context.Context, userID string, limit int) ([]job.Job, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return jobOps{st: l.s.st}.ListByUser(ctx, userID, limit)
}

// ----------------------------------------------------------------------------
// Subscriptions
// ----------------------------------------------------------------------------

type subOps struct{ st *state }

func (o subOps) GetByUser(_ context.Context, userID string) (plan.Subscription, error) {
	s, ok := o.st.subs[userID]
	if !ok {
		return plan.Subscription{}, ports.ErrNotFound
	}
	return s, nil
}

func (o subOps) Create(_ context.Context, s plan.Subscription) error {
	o.st.subs[s.UserID] = s
	return nil
}

func (o subOps) Update(_ context.Context, s plan.Subscription) error {
	if _, ok := o.st.subs[s.UserID]; !ok {
		return ports.ErrNotFound
	}
	o.st.subs[s.UserID] = s
	return nil
}

func (o subOps) ListDue(_ context.Context, now time.Time) ([]plan.Subscription, error) {
	var out []plan.Subscription
	for _, s := range o.st.subs {
		if s.Status == plan.StatusActive && !s.EndDate.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type lockedSubs struct{ s *Store }

func (l *lockedSubs) GetByUser(ctx context.Context, userID string) (plan.Subscription, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return subOps{st: l.s.st}.GetByUser(ctx, userID)
}

func (l *lockedSubs) Create(ctx context.Context, sub plan.Subscription) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return subOps{st: l.s.st}.Create(ctx, sub)
}

func (l *lockedSubs) Update(ctx context.Context, sub plan.Subscription) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return subOps{st: l.s.st}.Update(ctx, sub)
}

func (l *lockedSubs) ListDue(ctx context.Context, now time.Time) ([]plan.Subscription, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return subOps{st: l.s.st}.ListDue(ctx, now)
}

// Ensure interface compliance.
var (
	_ ports.UnitOfWork = (*Store)(nil)
	_ ports.Tx         = (*Store)(nil)
)
