package web

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/domain/allowance"
	"github.com/artpar/credmeter/domain/cost"
	"github.com/artpar/credmeter/domain/credit"
	"github.com/artpar/credmeter/domain/job"
	"github.com/artpar/credmeter/domain/quota"
	"github.com/artpar/credmeter/domain/usage"
)

// -----------------------------------------------------------------------------
// Accounting API (/v1)
// -----------------------------------------------------------------------------

// EntryResponse is one ledger entry in API responses.
type EntryResponse struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Balance       int64  `json:"balance"`
	Type          string `json:"type"`
	Description   string `json:"description,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func entryToResponse(e credit.Entry) EntryResponse {
	return EntryResponse{
		ID:            e.ID,
		Amount:        e.Amount,
		Balance:       e.Balance,
		Type:          string(e.Type),
		Description:   e.Description,
		ReferenceID:   e.ReferenceID,
		ReferenceType: string(e.ReferenceType),
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

// QuotaResponse is the state of a user's period counter.
type QuotaResponse struct {
	Period    string           `json:"period"`
	Used      int64            `json:"used"`
	Limit     int64            `json:"limit"`
	Remaining int64            `json:"remaining"`
	ResetAt   string           `json:"reset_at"`
	ByModel   map[string]int64 `json:"by_model,omitempty"`
}

func counterToResponse(c quota.Counter) QuotaResponse {
	return QuotaResponse{
		Period:    c.Period,
		Used:      c.UsageCount,
		Limit:     c.QuotaLimit,
		Remaining: c.Remaining(),
		ResetAt:   c.ResetAt.Format(time.RFC3339),
		ByModel:   c.ModelBreakdown,
	}
}

// QuantitiesRequest carries the sizing of one operation.
type QuantitiesRequest struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	Units           int64   `json:"units,omitempty"`
	BatchSize       int64   `json:"batch_size,omitempty"`
	Selected        int64   `json:"selected,omitempty"`
	WithAddOn       bool    `json:"with_add_on,omitempty"`
}

func (q QuantitiesRequest) toDomain() cost.Quantities {
	return cost.Quantities{
		DurationSeconds: q.DurationSeconds,
		Width:           q.Width,
		Height:          q.Height,
		Units:           q.Units,
		BatchSize:       q.BatchSize,
		Selected:        q.Selected,
		WithAddOn:       q.WithAddOn,
	}
}

// GetBalance returns the user's current credit balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := h.credits.Balance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

// GetHistory returns the user's ledger entries, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)

	entries, total, err := h.credits.History(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryToResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": out,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetQuota returns the user's current period counter.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	c, err := h.quotas.Breakdown(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counterToResponse(c))
}

// AllowanceResponse is the state of a user's bundled allowance.
type AllowanceResponse struct {
	Active      bool   `json:"active"`
	DailyQuota  int64  `json:"daily_quota"`
	Used        int64  `json:"used"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	LastResetAt string `json:"last_reset_at,omitempty"`
}

func allowanceToResponse(a allowance.Allowance) AllowanceResponse {
	out := AllowanceResponse{
		Active:     a.Active,
		DailyQuota: a.DailyQuota,
		Used:       a.QuotaUsed,
	}
	if !a.ExpiresAt.IsZero() {
		out.ExpiresAt = a.ExpiresAt.Format(time.RFC3339)
	}
	if !a.QuotaResetAt.IsZero() {
		out.LastResetAt = a.QuotaResetAt.Format(time.RFC3339)
	}
	return out
}

// GetAllowance returns the user's bundled allowance state.
func (h *Handler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	a, err := h.allows.Status(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allowanceToResponse(a))
}

// GetSubscription returns the user's subscription, 404 when none exists.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sub, err := h.subs.Current(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            sub.ID,
		"plan_id":       sub.PlanID,
		"status":        string(sub.Status),
		"billing_cycle": string(sub.BillingCycle),
		"auto_renew":    sub.AutoRenew,
		"start_date":    sub.StartDate.Format(time.RFC3339),
		"end_date":      sub.EndDate.Format(time.RFC3339),
	})
}

// UsageEventResponse is one recorded usage event.
type UsageEventResponse struct {
	ID         string `json:"id"`
	AppID      string `json:"app_id"`
	ModelKey   string `json:"model_key"`
	Action     string `json:"action,omitempty"`
	CreditUsed int64  `json:"credit_used"`
	QuotaUsed  int64  `json:"quota_used"`
	Enterprise bool   `json:"enterprise,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func eventToResponse(e usage.Event) UsageEventResponse {
	return UsageEventResponse{
		ID:         e.ID,
		AppID:      e.AppID,
		ModelKey:   e.ModelKey,
		Action:     e.Action,
		CreditUsed: e.CreditUsed,
		QuotaUsed:  e.QuotaUsed,
		Enterprise: e.Enterprise,
		JobID:      e.JobID,
		Timestamp:  e.Timestamp.Format(time.RFC3339),
	}
}

// GetUsage returns the user's recent usage events.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := parseIntQuery(r, "limit", 100)

	events, err := h.usage.Recent(r.Context(), userID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]UsageEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventToResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// GetUsageStats returns aggregated usage for the user.
func (h *Handler) GetUsageStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	stats, err := h.usage.Stats(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListModels returns the model catalog for one app.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("app_id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "missing_app_id", "app_id query parameter is required")
		return
	}
	models, err := h.catalog.ListForApp(r.Context(), appID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// ResolveRequest asks whether a user could run an operation right now.
type ResolveRequest struct {
	UserID     string            `json:"user_id"`
	ModelKey   string            `json:"model_key"`
	Quantities QuantitiesRequest `json:"quantities"`
}

// ResolveAccess answers whether the user could run the operation and what
// it would cost. Advisory only; nothing is reserved.
func (h *Handler) ResolveAccess(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.UserID == "" || req.ModelKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and model_key are required")
		return
	}

	a, err := h.access.Resolve(r.Context(), req.UserID, req.ModelKey, req.Quantities.toDomain())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"allowed":    a.Allowed,
		"usage_type": string(a.UsageType),
		"cost": map[string]int64{
			"credits": a.Cost.Credits,
			"quota":   a.Cost.Quota,
		},
	}
	if a.Reason != "" {
		resp["reason"] = a.Reason
	}
	switch a.UsageType {
	case job.UsageCredit:
		resp["balance"] = a.Balance
	case job.UsageQuota:
		resp["quota"] = map[string]interface{}{
			"used":      a.Quota.Current,
			"limit":     a.Quota.Limit,
			"remaining": a.Quota.Remaining,
			"reset_at":  a.Quota.ResetAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChargeRequest prices and charges one immediate operation.
type ChargeRequest struct {
	UserID      string            `json:"user_id"`
	AppID       string            `json:"app_id"`
	ModelKey    string            `json:"model_key"`
	Action      string            `json:"action,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Quantities  QuantitiesRequest `json:"quantities"`
}

// CreateCharge charges a single operation without a job record.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.UserID == "" || req.ModelKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and model_key are required")
		return
	}

	result, err := h.charges.Charge(r.Context(), app.ChargeParams{
		UserID:      req.UserID,
		AppID:       req.AppID,
		ModelKey:    req.ModelKey,
		Quantities:  req.Quantities.toDomain(),
		Action:      req.Action,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"usage_type": string(result.UsageType),
		"cost": map[string]int64{
			"credits": result.Cost.Credits,
			"quota":   result.Cost.Quota,
		},
	}
	switch result.UsageType {
	case job.UsageCredit:
		resp["entry_id"] = result.EntryID
		resp["balance"] = result.Balance
	case job.UsageQuota:
		resp["remaining"] = result.Remaining
	}
	writeJSON(w, http.StatusOK, resp)
}

// JobResponse is a job record in API responses.
type JobResponse struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	AppID          string `json:"app_id"`
	ModelKey       string `json:"model_key"`
	Status         string `json:"status"`
	UsageType      string `json:"usage_type"`
	TotalUnits     int64  `json:"total_units"`
	UnitsCompleted int64  `json:"units_completed"`
	UnitsFailed    int64  `json:"units_failed"`
	CreditCharged  int64  `json:"credit_charged"`
	CreditRefunded int64  `json:"credit_refunded"`
	QueueJobID     string `json:"queue_job_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

func jobToResponse(j job.Job) JobResponse {
	out := JobResponse{
		ID:             j.ID,
		UserID:         j.UserID,
		AppID:          j.AppID,
		ModelKey:       j.ModelKey,
		Status:         string(j.Status),
		UsageType:      string(j.UsageType),
		TotalUnits:     j.TotalUnits,
		UnitsCompleted: j.UnitsCompleted,
		UnitsFailed:    j.UnitsFailed,
		CreditCharged:  j.CreditCharged,
		CreditRefunded: j.CreditRefunded,
		QueueJobID:     j.QueueJobID,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		out.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return out
}

// StartJobRequest starts a charged batch generation job.
type StartJobRequest struct {
	UserID     string            `json:"user_id"`
	AppID      string            `json:"app_id"`
	ModelKey   string            `json:"model_key"`
	Action     string            `json:"action,omitempty"`
	Quantities QuantitiesRequest `json:"quantities"`
}

// StartJob charges for a batch job and hands it to the execution layer.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.UserID == "" || req.ModelKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and model_key are required")
		return
	}

	result, err := h.charges.StartJob(r.Context(), app.StartJobParams{
		UserID:     req.UserID,
		AppID:      req.AppID,
		ModelKey:   req.ModelKey,
		Quantities: req.Quantities.toDomain(),
		Action:     req.Action,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(result.Job))
}

// GetJob returns a job's accounting record with per-unit counts.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(j))
}

// ListJobs returns the user's recent jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := parseIntQuery(r, "limit", 50)

	jobs, err := h.jobs.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

// OutcomeRequest reports how a job finished.
type OutcomeRequest struct {
	UnitsCompleted int64 `json:"units_completed"`
	UnitsFailed    int64 `json:"units_failed"`
}

// ReportOutcome records a job's per-unit outcome and refunds failed units.
func (h *Handler) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	j, err := h.refunds.ReportOutcome(r.Context(), jobID, req.UnitsCompleted, req.UnitsFailed)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(j))
}

// RefundJobRequest refunds a whole job that produced nothing.
type RefundJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RefundJob returns the full charged amount for a failed job.
func (h *Handler) RefundJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req RefundJobRequest
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
				return
			}
		}
	}

	out, err := h.refunds.RefundJob(r.Context(), jobID, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":              jobToResponse(out.Job),
		"amount":           out.Amount,
		"already_refunded": out.AlreadyRefunded,
	})
}

// PaymentWebhook ingests provider payment notifications.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeError(w, http.StatusNotFound, "not_configured", "Payments are not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Could not read body")
		return
	}
	signature := r.Header.Get("Stripe-Signature")

	if err := h.payments.HandleWebhook(r.Context(), payload, signature); err != nil {
		h.logger.Error().Err(err).Msg("payment webhook rejected")
		writeError(w, http.StatusBadRequest, "webhook_error", "Webhook could not be processed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
