package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/allowance"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/plan"
)

// -----------------------------------------------------------------------------
// Admin API (/admin)
// -----------------------------------------------------------------------------

// UserResponse represents a user in API responses.
type UserResponse struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name,omitempty"`
	BillingMode string   `json:"billing_mode"`
	Tier        string   `json:"tier"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

func userToResponse(u account.User) UserResponse {
	tags := make([]string, 0, len(u.Tags))
	for _, t := range u.Tags.List() {
		tags = append(tags, string(t))
	}
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		BillingMode: string(u.BillingMode),
		Tier:        string(u.EffectiveTier()),
		Tags:        tags,
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   u.UpdatedAt.Format(time.RFC3339),
	}
}

// CreateUserRequest represents a request to create a user.
type CreateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name,omitempty"`
}

// UpdateUserRequest represents a request to update a user.
type UpdateUserRequest struct {
	Name       *string   `json:"name,omitempty"`
	Tier       *string   `json:"tier,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	Enterprise *bool     `json:"enterprise,omitempty"`
}

// ListUsers returns all users with pagination.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 100)
	offset := parseIntQuery(r, "offset", 0)

	users, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	total, err := h.users.Count(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userToResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": out,
		"total": total,
	})
}

// CreateUser creates a new pay-as-you-go user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_email", "Email is required")
		return
	}
	if _, err := h.users.GetByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email_exists", "User with this email already exists")
		return
	}

	now := h.clock.Now()
	user := account.User{
		ID:          h.idGen.New(),
		Email:       req.Email,
		Name:        req.Name,
		BillingMode: account.ModePayAsYouGo,
		Tier:        entitlement.TierFree,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Password != "" {
		hash, err := h.hasher.Hash(req.Password)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to hash password")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create user")
			return
		}
		user.PasswordHash = hash
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		h.logger.Error().Err(err).Msg("failed to create user")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create user")
		return
	}

	h.logger.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("user created via admin api")
	writeJSON(w, http.StatusCreated, userToResponse(user))
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userToResponse(u))
}

// UpdateUser updates a user's tier, tags or enterprise status.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	u, err := h.users.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if req.Name != nil {
		u.Name = *req.Name
	}
	if req.Tier != nil {
		tier := entitlement.Tier(*req.Tier)
		if !tier.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_tier", "Unknown tier")
			return
		}
		u.Tier = tier
	}
	if req.Tags != nil {
		tags := make([]account.Tag, 0, len(*req.Tags))
		for _, t := range *req.Tags {
			tags = append(tags, account.Tag(t))
		}
		u.Tags = account.NewTagSet(tags...)
	}
	if req.Enterprise != nil {
		if u.Tags == nil {
			u.Tags = account.TagSet{}
		}
		if *req.Enterprise {
			u.Tags[account.TagEnterpriseUnlimited] = struct{}{}
		} else {
			delete(u.Tags, account.TagEnterpriseUnlimited)
		}
	}
	u.UpdatedAt = h.clock.Now()

	if err := h.users.Update(r.Context(), u); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info().Str("user_id", u.ID).Msg("user updated via admin api")
	writeJSON(w, http.StatusOK, userToResponse(u))
}

// GrantCreditsRequest adds credits to a user's balance.
type GrantCreditsRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	Bonus       bool   `json:"bonus,omitempty"` // promotional grant instead of admin grant
}

// GrantCredits appends a positive ledger entry for the user.
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req GrantCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount", "Amount must be positive")
		return
	}

	typ := credit.TypeAdminGrant
	if req.Bonus {
		typ = credit.TypeBonus
	}
	desc := req.Description
	if desc == "" {
		desc = "admin grant"
	}

	entry, err := h.credits.Add(r.Context(), app.AddParams{
		UserID:        userID,
		Amount:        req.Amount,
		Type:          typ,
		Description:   desc,
		ReferenceID:   req.ReferenceID,
		ReferenceType: credit.RefAdmin,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entryToResponse(entry))
}

// GrantAllowanceRequest activates a bundled daily allowance on the user.
type GrantAllowanceRequest struct {
	DailyQuota int64  `json:"daily_quota"`
	ExpiresAt  string `json:"expires_at,omitempty"` // RFC3339; empty means no expiry
	Revoke     bool   `json:"revoke,omitempty"`
}

// GrantAllowance activates, adjusts or revokes the user's allowance.
func (h *Handler) GrantAllowance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req GrantAllowanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	a := allowance.Allowance{}
	if !req.Revoke {
		if req.DailyQuota <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_quota", "daily_quota must be positive")
			return
		}
		a.Active = true
		a.DailyQuota = req.DailyQuota
		if req.ExpiresAt != "" {
			expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_expiry", "expires_at must be RFC3339")
				return
			}
			a.ExpiresAt = expires
		}
	}

	if err := h.allows.Grant(r.Context(), userID, a); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allowanceToResponse(a))
}

// SubscribeRequest puts a user on a plan.
type SubscribeRequest struct {
	PlanID string `json:"plan_id"`
}

// Subscribe switches the user to subscription billing on the given plan.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "missing_plan", "plan_id is required")
		return
	}

	sub, err := h.subs.Subscribe(r.Context(), userID, req.PlanID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         sub.ID,
		"plan_id":    sub.PlanID,
		"status":     string(sub.Status),
		"start_date": sub.StartDate.Format(time.RFC3339),
		"end_date":   sub.EndDate.Format(time.RFC3339),
	})
}

// CancelSubscription cancels the user's subscription immediately.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	reason := r.URL.Query().Get("reason")

	if err := h.subs.Cancel(r.Context(), userID, reason); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// PlanResponse represents a plan in API responses.
type PlanResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Tier         string `json:"tier"`
	DailyQuota   int64  `json:"daily_quota"`
	MonthlyQuota int64  `json:"monthly_quota,omitempty"`
	MaxModelTier string `json:"max_model_tier,omitempty"`
	PriceCents   int64  `json:"price_cents"`
	BillingCycle string `json:"billing_cycle"`
	Enabled      bool   `json:"enabled"`
}

func planToResponse(p plan.Plan) PlanResponse {
	return PlanResponse{
		ID:           p.ID,
		Name:         p.Name,
		Tier:         string(p.Tier),
		DailyQuota:   p.DailyQuota,
		MonthlyQuota: p.MonthlyQuota,
		MaxModelTier: string(p.MaxModelTier),
		PriceCents:   p.PriceCents,
		BillingCycle: string(p.BillingCycle),
		Enabled:      p.Enabled,
	}
}

// PlanRequest creates or updates a plan.
type PlanRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Tier         string `json:"tier"`
	DailyQuota   int64  `json:"daily_quota"`
	MonthlyQuota int64  `json:"monthly_quota,omitempty"`
	MaxModelTier string `json:"max_model_tier,omitempty"`
	PriceCents   int64  `json:"price_cents"`
	BillingCycle string `json:"billing_cycle"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// ListPlans returns all plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planToResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": out})
}

// CreatePlan creates a new plan.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	p, ok := h.planFromRequest(w, req)
	if !ok {
		return
	}
	now := h.clock.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := h.plans.Create(r.Context(), p); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info().Str("plan_id", p.ID).Msg("plan created via admin api")
	writeJSON(w, http.StatusCreated, planToResponse(p))
}

// UpdatePlan updates an existing plan.
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	req.ID = id

	existing, err := h.plans.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	p, ok := h.planFromRequest(w, req)
	if !ok {
		return
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = h.clock.Now()

	if err := h.plans.Update(r.Context(), p); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info().Str("plan_id", p.ID).Msg("plan updated via admin api")
	writeJSON(w, http.StatusOK, planToResponse(p))
}

func (h *Handler) planFromRequest(w http.ResponseWriter, req PlanRequest) (plan.Plan, bool) {
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id and name are required")
		return plan.Plan{}, false
	}
	tier := entitlement.Tier(req.Tier)
	if !tier.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_tier", "Unknown tier")
		return plan.Plan{}, false
	}
	cycle := plan.BillingCycle(req.BillingCycle)
	if cycle == "" {
		cycle = plan.CycleMonthly
	}
	if cycle != plan.CycleMonthly && cycle != plan.CycleYearly {
		writeError(w, http.StatusBadRequest, "invalid_cycle", "billing_cycle must be monthly or yearly")
		return plan.Plan{}, false
	}
	maxTier := tier
	if req.MaxModelTier != "" {
		maxTier = entitlement.Tier(req.MaxModelTier)
		if !maxTier.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_tier", "Unknown max_model_tier")
			return plan.Plan{}, false
		}
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return plan.Plan{
		ID:           req.ID,
		Name:         req.Name,
		Tier:         tier,
		DailyQuota:   req.DailyQuota,
		MonthlyQuota: req.MonthlyQuota,
		MaxModelTier: maxTier,
		PriceCents:   req.PriceCents,
		BillingCycle: cycle,
		Enabled:      enabled,
	}, true
}
