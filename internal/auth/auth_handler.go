package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/clock"
	"github.com/welldanyogia/authguard/internal/logger"
	"github.com/welldanyogia/authguard/internal/metrics"
	"github.com/welldanyogia/authguard/internal/repository"
)

// Endpoint names used for metrics and audit
const (
	EndpointRegister             = "register"
	EndpointLogin                = "login"
	EndpointVerifyEmail          = "verify_email"
	EndpointVerificationToken    = "verification_token"
	EndpointPasswordResetRequest = "password_reset_request"
	EndpointPasswordResetConfirm = "password_reset_confirm"
	EndpointAdminUnlock          = "admin_unlock"
	EndpointAdminLockStatus      = "admin_lock_status"
	EndpointAdminEvents          = "admin_events"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,max=128"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// VerifyEmailRequest represents the email verification payload
type VerifyEmailRequest struct {
	AccountID string `json:"account_id" validate:"required,uuid"`
	Token     string `json:"token" validate:"required,max=256"`
}

// EmailRequest carries only an email address
type EmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// ResetConfirmRequest represents the password reset confirmation payload
type ResetConfirmRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Token       string `json:"token" validate:"required,max=256"`
	NewPassword string `json:"new_password" validate:"required,max=128"`
}

// AccountResponse represents the account data in responses
type AccountResponse struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	Verified  bool       `json:"verified"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// TokenResponse represents the access token issued after login
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// AccessTokenIssuer issues API access tokens after a successful login
type AccessTokenIssuer interface {
	GenerateAccessToken(accountID uuid.UUID, email, role string) (string, error)
	AccessTokenExpiry() time.Duration
}

// TokenDelivery hands freshly issued verification and reset tokens to the
// account owner, typically by email
type TokenDelivery interface {
	Deliver(ctx context.Context, account *repository.Account, token IssuedToken) error
}

// LogTokenDelivery records that a token is ready without sending it anywhere.
// The token value itself is never logged.
type LogTokenDelivery struct {
	Logger *slog.Logger
}

// Deliver logs the delivery request
func (d LogTokenDelivery) Deliver(ctx context.Context, account *repository.Account, token IssuedToken) error {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	logger.WithCorrelationID(ctx, log).Info("token ready for delivery",
		slog.String("kind", string(token.Kind)),
		slog.String("account_id", account.ID.String()),
	)
	return nil
}

// HandlerConfig holds the collaborators of AuthHandler
type HandlerConfig struct {
	Service  *AuthService
	Sessions AccessTokenIssuer
	Audit    repository.AuditRepository
	Delivery TokenDelivery
	Clock    clock.Clock
	Logger   *slog.Logger
}

// AuthHandler translates Decisions into HTTP responses
type AuthHandler struct {
	authService *AuthService
	sessions    AccessTokenIssuer
	audit       repository.AuditRepository
	delivery    TokenDelivery
	clock       clock.Clock
	logger      *slog.Logger
	validate    *validator.Validate
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(cfg HandlerConfig) *AuthHandler {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Delivery == nil {
		cfg.Delivery = LogTokenDelivery{Logger: cfg.Logger}
	}
	return &AuthHandler{
		authService: cfg.Service,
		sessions:    cfg.Sessions,
		audit:       cfg.Audit,
		delivery:    cfg.Delivery,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		validate:    validator.New(),
	}
}

// decodeAndValidate reads a JSON body into dst and validates it
func (h *AuthHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		details := make(map[string][]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				field := toSnakeCase(fe.Field())
				details[field] = append(details[field], validationMessage(fe))
			}
		}
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a valid UUID"
	case "eqfield":
		return "must match " + toSnakeCase(fe.Param())
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Register handles account registration
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ip := getClientIP(r)
	decision, err := h.authService.Register(r.Context(), ip, req.Email, req.Password)
	if err != nil {
		h.internalError(w, r, EndpointRegister, err)
		return
	}
	h.finish(r.Context(), EndpointRegister, ip, decision)

	if !decision.Allowed() {
		h.writeDenial(w, decision)
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"account":               toAccountResponse(decision.Account),
		"verification_required": !decision.Account.Verified,
	})
}

// Login handles account authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ip := getClientIP(r)
	decision, err := h.authService.Login(r.Context(), ip, req.Email, req.Password)
	if err != nil {
		h.internalError(w, r, EndpointLogin, err)
		return
	}
	h.finish(r.Context(), EndpointLogin, ip, decision)

	if !decision.Allowed() {
		h.writeDenial(w, decision)
		return
	}

	account := decision.Account
	accessToken, err := h.sessions.GenerateAccessToken(account.ID, account.Email, account.Role)
	if err != nil {
		h.internalError(w, r, EndpointLogin, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"account": toAccountResponse(account),
		"tokens": TokenResponse{
			AccessToken: accessToken,
			ExpiresIn:   int64(h.sessions.AccessTokenExpiry().Seconds()),
			TokenType:   "Bearer",
		},
	})
}

// VerifyEmail handles email verification
// POST /api/v1/auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", nil)
		return
	}

	ip := getClientIP(r)
	decision, err := h.authService.VerifyEmail(r.Context(), ip, accountID, req.Token)
	if err != nil {
		h.internalError(w, r, EndpointVerifyEmail, err)
		return
	}
	h.finish(r.Context(), EndpointVerifyEmail, ip, decision)

	if !decision.Allowed() {
		h.writeDenial(w, decision)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Email address verified",
	})
}

// RequestVerificationToken handles verification token reissue
// POST /api/v1/auth/verification-token
func (h *AuthHandler) RequestVerificationToken(w http.ResponseWriter, r *http.Request) {
	h.handleReissue(w, r, EndpointVerificationToken, h.authService.RequestVerificationToken)
}

// RequestPasswordReset handles password reset requests
// POST /api/v1/auth/password-reset/request
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.handleReissue(w, r, EndpointPasswordResetRequest, h.authService.RequestPasswordReset)
}

func (h *AuthHandler) handleReissue(w http.ResponseWriter, r *http.Request, endpoint string, op func(ctx context.Context, ip, email string) (Decision, error)) {
	var req EmailRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ip := getClientIP(r)
	decision, err := op(r.Context(), ip, req.Email)
	if err != nil {
		h.internalError(w, r, endpoint, err)
		return
	}
	h.finish(r.Context(), endpoint, ip, decision)

	if !decision.Allowed() {
		h.writeDenial(w, decision)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "If the account exists, a message has been sent",
	})
}

// ConfirmPasswordReset handles password reset confirmation
// POST /api/v1/auth/password-reset/confirm
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req ResetConfirmRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ip := getClientIP(r)
	decision, err := h.authService.ConfirmPasswordReset(r.Context(), ip, req.Email, req.Token, req.NewPassword)
	if err != nil {
		h.internalError(w, r, EndpointPasswordResetConfirm, err)
		return
	}
	h.finish(r.Context(), EndpointPasswordResetConfirm, ip, decision)

	if !decision.Allowed() {
		h.writeDenial(w, decision)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Password has been reset",
	})
}

// UnlockAccount clears an account lockout
// POST /api/v1/admin/accounts/{id}/unlock
func (h *AuthHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid account id", nil)
		return
	}

	account, wasLocked, err := h.authService.UnlockAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, CodeAccountNotFound, "Account not found", nil)
			return
		}
		h.internalError(w, r, EndpointAdminUnlock, err)
		return
	}

	h.recordAudit(r.Context(), &repository.AuthEvent{
		Endpoint:  EndpointAdminUnlock,
		Decision:  string(DecisionAllow),
		Reason:    "was_locked=" + strconv.FormatBool(wasLocked),
		ClientIP:  getClientIP(r),
		AccountID: &account.ID,
	})

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"account_id": account.ID.String(),
		"was_locked": wasLocked,
	})
}

// GetLockStatus returns the lock state of an account
// GET /api/v1/admin/accounts/{id}/lock
func (h *AuthHandler) GetLockStatus(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid account id", nil)
		return
	}

	status, err := h.authService.LockStatus(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, CodeAccountNotFound, "Account not found", nil)
			return
		}
		h.internalError(w, r, EndpointAdminLockStatus, err)
		return
	}

	data := map[string]interface{}{
		"account_id": accountID.String(),
		"state":      status.State.String(),
	}
	if status.State == Locked {
		data["unlock_at"] = status.UnlockAt.UTC()
	}
	h.writeSuccess(w, http.StatusOK, data)
}

// ListAuthEvents returns recent audit events of an account
// GET /api/v1/admin/accounts/{id}/events?limit=20
func (h *AuthHandler) ListAuthEvents(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid account id", nil)
		return
	}
	if h.audit == nil {
		h.writeSuccess(w, http.StatusOK, map[string]interface{}{"events": []repository.AuthEvent{}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.audit.ListByAccount(r.Context(), accountID, limit)
	if err != nil {
		h.internalError(w, r, EndpointAdminEvents, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"events": events})
}

// finish records metrics and audit for a decision and hands any issued token
// to the delivery collaborator
func (h *AuthHandler) finish(ctx context.Context, endpoint, ip string, decision Decision) {
	metrics.RecordDecision(endpoint, string(decision.Kind))

	h.recordAudit(ctx, &repository.AuthEvent{
		Endpoint:  endpoint,
		Decision:  string(decision.Kind),
		Reason:    decision.Reason(),
		ClientIP:  ip,
		AccountID: decision.AccountID(),
	})

	if decision.Token != nil && decision.Account != nil {
		if err := h.delivery.Deliver(ctx, decision.Account, *decision.Token); err != nil {
			logger.WithCorrelationID(ctx, h.logger).Error("token delivery failed",
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()),
			)
		}
	}
}

// recordAudit writes an audit event; failures are logged and never fail the request
func (h *AuthHandler) recordAudit(ctx context.Context, event *repository.AuthEvent) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, event); err != nil {
		logger.WithCorrelationID(ctx, h.logger).Error("failed to record auth event",
			slog.String("endpoint", event.Endpoint),
			slog.String("error", err.Error()),
		)
	}
}

// writeDenial maps a deny decision to its HTTP status
func (h *AuthHandler) writeDenial(w http.ResponseWriter, d Decision) {
	switch d.Kind {
	case DecisionDenyLocked:
		h.writeError(w, http.StatusLocked, CodeAccountLocked, "Account is temporarily locked", map[string][]string{
			"unlock_at": {d.UnlockAt.UTC().Format(time.RFC3339)},
		})
	case DecisionDenyRateLimited:
		secs := strconv.Itoa(retryAfterSeconds(d.RetryAfter, h.clock.Now()))
		w.Header().Set("Retry-After", secs)
		h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many attempts. Please try again later.", map[string][]string{
			"retry_after": {secs},
		})
	case DecisionDenyWeakPassword:
		messages := make([]string, len(d.Violations))
		codes := make([]string, len(d.Violations))
		for i, v := range d.Violations {
			messages[i] = v.Message()
			codes[i] = string(v)
		}
		h.writeError(w, http.StatusBadRequest, CodeWeakPassword, "Password does not meet requirements", map[string][]string{
			"password":   messages,
			"violations": codes,
		})
	case DecisionDenyInvalidToken:
		h.writeError(w, http.StatusBadRequest, CodeInvalidToken, d.Err().Error(), nil)
	case DecisionDenyUnverified:
		h.writeError(w, http.StatusForbidden, CodeEmailUnverified, "Email address has not been verified", nil)
	case DecisionDenyEmailTaken:
		h.writeError(w, http.StatusConflict, CodeEmailExists, "An account with this email already exists", nil)
	default:
		h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password", nil)
	}
}

func (h *AuthHandler) internalError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	logger.WithCorrelationID(r.Context(), h.logger).Error("authentication request failed",
		slog.String("endpoint", endpoint),
		slog.String("error", err.Error()),
	)
	h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
}

func toAccountResponse(a *repository.Account) AccountResponse {
	return AccountResponse{
		ID:        a.ID.String(),
		Email:     a.Email,
		Role:      a.Role,
		Verified:  a.Verified,
		CreatedAt: a.CreatedAt,
		LastLogin: a.LastLoginAt,
	}
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// getClientIP returns the client IP without port. Proxy headers are resolved
// upstream, and only for trusted proxies.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
