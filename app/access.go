package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/cost"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/ports"
)

// AccessService resolves whether a user may invoke a model and what it
// would cost them: tier entitlement, enterprise override, then affordability
// against whichever consumable backs the user's billing mode.
type AccessService struct {
	users        ports.UserStore
	catalog      ports.ModelCatalog
	ledger       ports.LedgerStore
	quotas       *QuotaService
	clock        ports.Clock
	allowedApps  func() []string // apps the enterprise override applies to
	allowanceApp string          // app the unlimited allowance covers
	logger       zerolog.Logger
}

// NewAccessService creates an access service. allowedApps supplies the
// current enterprise override allow-list; it is a function so config
// reloads take effect without rebuilding the service. allowanceApp names
// the one app the unlimited allowance applies to.
func NewAccessService(
	users ports.UserStore,
	catalog ports.ModelCatalog,
	ledger ports.LedgerStore,
	quotas *QuotaService,
	clock ports.Clock,
	allowedApps func() []string,
	allowanceApp string,
	logger zerolog.Logger,
) *AccessService {
	if allowedApps == nil {
		allowedApps = func() []string { return nil }
	}
	return &AccessService{
		users:        users,
		catalog:      catalog,
		ledger:       ledger,
		quotas:       quotas,
		clock:        clock,
		allowedApps:  allowedApps,
		allowanceApp: allowanceApp,
		logger:       logger,
	}
}

// CheckModel verifies tier entitlement for a model. Returns nil when the
// user may invoke it; otherwise *entitlement.DeniedError.
func (s *AccessService) CheckModel(ctx context.Context, userID, modelKey string) error {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	m, err := s.catalog.Get(ctx, modelKey)
	if err != nil {
		return fmt.Errorf("load model %s: %w", modelKey, err)
	}
	return entitlement.CheckModel(u.EffectiveTier(), m)
}

// HasEnterpriseOverride reports whether the user's enterprise tag bypasses
// charging for appID.
func (s *AccessService) HasEnterpriseOverride(ctx context.Context, userID, appID string) (bool, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return account.HasEnterpriseOverride(u, appID, s.allowedApps()), nil
}

// Access is the advisory answer to "can this user run this operation".
type Access struct {
	Allowed   bool
	Reason    string // set when not allowed
	UsageType job.UsageType
	Cost      cost.Cost
	Balance   int64             // payg: current balance
	Quota     quota.CheckResult // subscription: current counter state
}

// Resolve answers whether the user could run the operation right now and
// what it would cost. The answer is advisory: nothing is reserved, and the
// actual charge re-checks everything inside its own transaction. UIs use
// this to disable buttons, not to authorize work.
func (s *AccessService) Resolve(ctx context.Context, userID, modelKey string, q cost.Quantities) (Access, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return Access{}, fmt.Errorf("load user: %w", err)
	}
	m, err := s.catalog.Get(ctx, modelKey)
	if err != nil {
		return Access{}, fmt.Errorf("load model %s: %w", modelKey, err)
	}

	if err := entitlement.CheckModel(u.EffectiveTier(), m); err != nil {
		return Access{Allowed: false, Reason: err.Error()}, nil
	}

	c := cost.ForModel(m, q)

	if account.HasEnterpriseOverride(u, m.AppID, s.allowedApps()) {
		return Access{Allowed: true, UsageType: job.UsageNone, Cost: cost.Cost{}}, nil
	}

	if m.AppID == s.allowanceApp && u.Allowance.Usable(s.clock.Now()) {
		return Access{Allowed: true, UsageType: job.UsageAllowance, Cost: cost.Cost{}}, nil
	}

	if u.BillingMode == account.ModeSubscription {
		check, err := s.quotas.Check(ctx, userID, c.Quota)
		if err != nil {
			return Access{}, err
		}
		a := Access{Allowed: check.Allowed, UsageType: job.UsageQuota, Cost: c, Quota: check}
		if !check.Allowed {
			a.Reason = "daily quota exhausted"
		}
		return a, nil
	}

	latest, err := s.ledger.Latest(ctx, userID)
	if err != nil {
		return Access{}, fmt.Errorf("read balance: %w", err)
	}
	a := Access{Allowed: latest.Balance >= c.Credits, UsageType: job.UsageCredit, Cost: c, Balance: latest.Balance}
	if !a.Allowed {
		a.Reason = "insufficient credits"
	}
	return a, nil
}
