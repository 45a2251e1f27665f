// Package handler exposes the leave workflow over HTTP.
package handler

import (
	"bytes"
	"context"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"careleave/internal/leave/audit"
	"careleave/internal/leave/models"
	"careleave/internal/leave/monitor"
	rlmodels "careleave/internal/ratelimit/models"
	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
	"careleave/pkg/platform/httputil"
	pstrings "careleave/pkg/platform/strings"
	"careleave/pkg/platform/middleware/admin"
	"careleave/pkg/platform/middleware/auth"
	request "careleave/pkg/platform/middleware/request"
	"careleave/pkg/requestcontext"
)

// Service is the leave workflow as seen by HTTP callers.
type Service interface {
	CreateLeaveRequest(ctx context.Context, p models.NewRequestParams) (*models.LeaveRequest, error)
	ApplyAction(ctx context.Context, requestID id.LeaveRequestID, cmd models.Command) (*models.LeaveRequest, error)
	GetRequest(ctx context.Context, requestID id.LeaveRequestID) (*models.LeaveRequest, error)
	ListRequests(ctx context.Context, f models.ListFilter) (models.Page, error)
	GetHistory(ctx context.Context, requestID id.LeaveRequestID, f audit.Filter) (iter.Seq[models.HistoryEntry], error)
	Summary(ctx context.Context) (models.Summary, error)
	BeneficiaryName(ctx context.Context, beneficiaryID id.BeneficiaryID) string
}

// Exporter renders the leave register workbook.
type Exporter interface {
	Write(ctx context.Context, w io.Writer, f models.ListFilter) (int, error)
}

// Scanner runs one overdue scan on demand.
type Scanner interface {
	Scan(ctx context.Context) (monitor.ScanResult, error)
}

// RateLimiter budgets requests per endpoint class.
type RateLimiter interface {
	RateLimit(class rlmodels.EndpointClass) func(http.Handler) http.Handler
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler handles leave request endpoints.
type Handler struct {
	service      Service
	jwtValidator auth.JWTValidator
	logger       *slog.Logger
	exporter     Exporter
	scanner      Scanner
	limiter      RateLimiter
}

type Option func(*Handler)

// WithExporter enables GET /leave-requests/export.xlsx.
func WithExporter(e Exporter) Option {
	return func(h *Handler) {
		h.exporter = e
	}
}

// WithScanner enables POST /admin/overdue-scan.
func WithScanner(s Scanner) Option {
	return func(h *Handler) {
		h.scanner = s
	}
}

// WithRateLimit budgets writes and exports per actor.
func WithRateLimit(l RateLimiter) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}

// New creates a leave Handler.
func New(service Service, jwtValidator auth.JWTValidator, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		service:      service,
		jwtValidator: jwtValidator,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the authenticated leave routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/leave-requests", func(r chi.Router) {
		r.Use(auth.RequireAuth(h.jwtValidator, h.logger))
		writes := r.With(h.rateLimit(rlmodels.ClassWrite))
		writes.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/summary", h.handleSummary)
		if h.exporter != nil {
			r.With(h.rateLimit(rlmodels.ClassExport)).Get("/export.xlsx", h.handleExport)
		}
		r.Get("/{id}", h.handleGet)
		r.Get("/{id}/history", h.handleHistory)
		writes.Post("/{id}/actions", h.handleApplyAction)
	})
}

func (h *Handler) rateLimit(class rlmodels.EndpointClass) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.RateLimit(class)
}

// RegisterAdmin registers operator routes guarded by the admin token.
func (h *Handler) RegisterAdmin(r chi.Router, adminToken string) {
	if h.scanner == nil || adminToken == "" {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(adminToken, h.logger))
		r.Post("/overdue-scan", h.handleOverdueScan)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	role, ok := h.staffRole(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[createRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	created, err := h.service.CreateLeaveRequest(ctx, req.params(requestcontext.ActorID(ctx), role))
	if err != nil {
		h.writeServiceError(ctx, w, "failed to create leave request", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, h.toResponse(ctx, created, role))
}

func (h *Handler) handleApplyAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	role, ok := h.staffRole(w, r)
	if !ok {
		return
	}
	leaveID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[actionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	updated, err := h.service.ApplyAction(ctx, leaveID, req.command(requestcontext.ActorID(ctx), role))
	if err != nil {
		h.writeServiceError(ctx, w, "failed to apply leave action", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.toResponse(ctx, updated, role))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leaveID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	found, err := h.service.GetRequest(ctx, leaveID)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to load leave request", err)
		return
	}
	role, _ := models.ParseRole(requestcontext.Role(ctx))
	httputil.WriteJSON(w, http.StatusOK, h.toResponse(ctx, found, role))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseListFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.service.ListRequests(ctx, f)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to list leave requests", err)
		return
	}
	role, _ := models.ParseRole(requestcontext.Role(ctx))
	items := make([]leaveResponse, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, h.toResponse(ctx, item, role))
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{
		Items:    items,
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sum, err := h.service.Summary(ctx)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to summarize leave requests", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leaveID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	f, err := parseHistoryFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	seq, err := h.service.GetHistory(ctx, leaveID, f)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to load leave history", err)
		return
	}
	entries := slices.Collect(seq)
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, historyResponse{RequestID: leaveID, Entries: entries})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	f, err := parseListFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := f.Normalize(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	// The workbook is only sent once complete so a failure can still be
	// reported as JSON.
	var buf bytes.Buffer
	n, err := h.exporter.Write(ctx, &buf, f)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to export leave register", err)
		return
	}
	h.logger.InfoContext(ctx, "leave register exported",
		"request_id", requestID,
		"rows", n,
	)
	filename := "leave-register-" + requestcontext.Now(ctx).Format("20060102") + ".xlsx"
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) handleOverdueScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.scanner.Scan(ctx)
	if err != nil {
		h.writeServiceError(ctx, w, "overdue scan failed", dErrors.Wrap(err, dErrors.CodeInternal, "overdue scan failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, scanResponse{
		Ran:       res.Ran,
		Checked:   res.Checked,
		Escalated: res.Escalated,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	})
}

// staffRole parses the caller's role. The system role belongs to the
// overdue monitor and is refused for HTTP callers.
func (h *Handler) staffRole(w http.ResponseWriter, r *http.Request) (models.Role, bool) {
	ctx := r.Context()
	role, err := models.ParseRole(requestcontext.Role(ctx))
	if err != nil || !role.IsStaff() {
		h.logger.WarnContext(ctx, "caller role may not act on leave requests",
			"request_id", request.GetRequestID(ctx),
			"role", requestcontext.Role(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "caller role may not act on leave requests"))
		return "", false
	}
	return role, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (id.LeaveRequestID, bool) {
	leaveID, err := id.ParseLeaveRequestID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.LeaveRequestID{}, false
	}
	return leaveID, true
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg,
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}

func parseListFilter(r *http.Request) (models.ListFilter, error) {
	q := r.URL.Query()
	var f models.ListFilter

	for _, part := range pstrings.SplitList(q["state"]...) {
		st, err := models.ParseState(part)
		if err != nil {
			return f, err
		}
		f.States = append(f.States, st)
	}
	if v := q.Get("beneficiary_id"); v != "" {
		bid, err := id.ParseBeneficiaryID(v)
		if err != nil {
			return f, err
		}
		f.BeneficiaryID = bid
	}
	if v := q.Get("leave_type"); v != "" {
		lt, err := models.ParseLeaveType(v)
		if err != nil {
			return f, err
		}
		f.LeaveType = lt
	}
	for key, dst := range map[string]*models.Date{"from": &f.From, "to": &f.To} {
		if v := q.Get(key); v != "" {
			d, err := models.ParseDate(v)
			if err != nil {
				return f, dErrors.New(dErrors.CodeValidation, key+" must be a YYYY-MM-DD date")
			}
			*dst = d
		}
	}
	f.Search = q.Get("q")

	var err error
	if f.Page, err = optionalInt(q.Get("page"), "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = optionalInt(q.Get("page_size"), "page_size"); err != nil {
		return f, err
	}
	return f, nil
}

func parseHistoryFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter
	for _, part := range pstrings.SplitList(q["action"]...) {
		a, err := models.ParseAction(part)
		if err != nil {
			return f, err
		}
		f.Actions = append(f.Actions, a)
	}
	if v := q.Get("actor"); v != "" {
		actor, err := id.ParseActorID(v)
		if err != nil {
			return f, err
		}
		f.Actor = actor
	}
	return f, nil
}

func optionalInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeValidation, name+" must be a non-negative integer")
	}
	return n, nil
}
