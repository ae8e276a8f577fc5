package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/atlasbroker/backend/internal/middleware"
	"github.com/atlasbroker/backend/internal/models"
	"github.com/shopspring/decimal"
)

// RequestService owns the deposit/withdrawal approval workflow. A request
// is created pending by a client and leaves pending exactly once: approved
// (with a ledger mutation committed in the same database transaction),
// rejected, or cancelled by its requester.
type RequestService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewRequestService(db *sql.DB, ledger *LedgerService) *RequestService {
	return &RequestService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// CreateRequestPayload is a client's deposit or withdrawal submission.
type CreateRequestPayload struct {
	RequestType     string          `json:"request_type" validate:"required,oneof=deposit withdrawal"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	ClientNotes     string          `json:"client_notes" validate:"max=500"`
}

// DecideRequestPayload approves or rejects a pending request.
type DecideRequestPayload struct {
	RequestID      int              `json:"request_id" validate:"required,gt=0"`
	Action         string           `json:"action" validate:"required,oneof=approve reject"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount,omitempty"`
	AdminNotes     string           `json:"admin_notes" validate:"max=500"`
}

// RequestView is the read-side projection of a request.
type RequestView struct {
	ID              int        `json:"id"`
	UserID          int        `json:"user_id"`
	UserName        string     `json:"user_name"`
	UserEmail       string     `json:"user_email"`
	RequestType     string     `json:"request_type"`
	RequestedAmount float64    `json:"requested_amount"`
	ApprovedAmount  *float64   `json:"approved_amount,omitempty"`
	Status          string     `json:"status"`
	ClientNotes     string     `json:"client_notes,omitempty"`
	AdminNotes      string     `json:"admin_notes,omitempty"`
	ApprovedByID    *int       `json:"approved_by_id,omitempty"`
	ApprovedByName  string     `json:"approved_by_name,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// CreateRequest inserts a new pending request for the acting client.
func (s *RequestService) CreateRequest(actor models.Actor, payload CreateRequestPayload) (int, error) {
	if actor.Role != models.RoleClient {
		return 0, ErrForbidden
	}
	if err := s.validator.ValidateStruct(&payload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := requirePositive("requested_amount", payload.RequestedAmount); err != nil {
		return 0, err
	}

	var id int
	err := s.db.QueryRow(`
		INSERT INTO transaction_requests (user_id, request_type, requested_amount, client_notes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id`,
		actor.UserID, payload.RequestType, payload.RequestedAmount, payload.ClientNotes,
		models.RequestStatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	log.Printf("[REQUEST] Client %d submitted %s request for %s", actor.UserID,
		payload.RequestType, payload.RequestedAmount.StringFixed(2))
	return id, nil
}

// DecideResult reports the outcome of an approval or rejection.
type DecideResult struct {
	Status         string
	ApprovedAmount decimal.Decimal
	TransactionID  int
}

// DecideRequest locks the request row, re-checks it is still pending, and
// either rejects it or approves it with a balance mutation. Approval and
// the request update commit as one unit: if the ledger refuses (for a
// withdrawal exceeding the wallet balance), everything rolls back and the
// request stays pending.
func (s *RequestService) DecideRequest(actor models.Actor, payload DecideRequestPayload) (*DecideResult, error) {
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleManager {
		return nil, ErrForbidden
	}
	if err := s.validator.ValidateStruct(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		requesterID     int
		requestType     string
		requestedAmount decimal.Decimal
		status          string
	)
	err = tx.QueryRow(`
		SELECT user_id, request_type, requested_amount, status FROM transaction_requests
		WHERE id = $1
		FOR UPDATE`, payload.RequestID).Scan(&requesterID, &requestType, &requestedAmount, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock request %d: %w", payload.RequestID, err)
	}

	var (
		requesterRole   string
		requesterBranch int
	)
	err = tx.QueryRow(`
		SELECT role, COALESCE(branch_id, 0) FROM users
		WHERE id = $1`, requesterID).Scan(&requesterRole, &requesterBranch)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load requester %d: %w", requesterID, err)
	}

	target := AuthzTarget{UserID: requesterID, Role: models.Role(requesterRole), BranchID: requesterBranch}
	if err := Authorize(actor, target, OpDecideRequest); err != nil {
		return nil, err
	}

	if status != models.RequestStatusPending {
		return nil, fmt.Errorf("%w: request is already %s", ErrInvalidState, status)
	}

	if payload.Action == "reject" {
		_, err = tx.Exec(`
			UPDATE transaction_requests
			SET status = $1, approved_by_id = $2, approved_at = NOW(), admin_notes = $3, updated_at = NOW()
			WHERE id = $4`,
			models.RequestStatusRejected, actor.UserID, payload.AdminNotes, payload.RequestID)
		if err != nil {
			return nil, fmt.Errorf("reject request %d: %w", payload.RequestID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		log.Printf("[REQUEST] %s %d rejected request %d", actor.Role, actor.UserID, payload.RequestID)
		return &DecideResult{Status: models.RequestStatusRejected}, nil
	}

	// Approved amount defaults to what the client asked for. There is
	// deliberately no upper bound against requested_amount.
	amount := requestedAmount
	if payload.ApprovedAmount != nil {
		amount = *payload.ApprovedAmount
	}
	if err := requirePositive("approved_amount", amount); err != nil {
		return nil, err
	}

	var accountID int
	err = tx.QueryRow(`SELECT id FROM accounts WHERE user_id = $1`, requesterID).Scan(&accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load account of user %d: %w", requesterID, err)
	}

	mut := BalanceMutation{
		AccountID:    accountID,
		TargetUserID: requesterID,
		PerformedBy:  actor.UserID,
		Description:  fmt.Sprintf("Approved %s request. Notes: %s", requestType, orNA(payload.AdminNotes)),
	}
	if requestType == models.RequestTypeDeposit {
		mut.Sub = SubBalanceTrading
		mut.Amount = amount
		mut.Type = models.TransactionTypeDeposit
		mut.ToUserID = &requesterID
	} else {
		mut.Sub = SubBalanceWallet
		mut.Amount = amount.Neg()
		mut.Type = models.TransactionTypeWithdraw
		mut.FromUserID = &requesterID
	}

	entry, err := s.ledger.ApplyTx(tx, mut)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE transaction_requests
		SET status = $1, approved_amount = $2, approved_by_id = $3, approved_at = NOW(), admin_notes = $4, transaction_id = $5, updated_at = NOW()
		WHERE id = $6`,
		models.RequestStatusApproved, amount, actor.UserID, payload.AdminNotes,
		entry.ID, payload.RequestID)
	if err != nil {
		return nil, fmt.Errorf("approve request %d: %w", payload.RequestID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[REQUEST] %s %d approved %s request %d for %s", actor.Role, actor.UserID,
		requestType, payload.RequestID, amount.StringFixed(2))
	return &DecideResult{
		Status:         models.RequestStatusApproved,
		ApprovedAmount: amount,
		TransactionID:  entry.ID,
	}, nil
}

// CancelRequest lets the requester withdraw their own pending request.
func (s *RequestService) CancelRequest(actor models.Actor, requestID int) error {
	if actor.Role != models.RoleClient {
		return ErrForbidden
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		requesterID int
		status      string
	)
	err = tx.QueryRow(`
		SELECT user_id, status FROM transaction_requests
		WHERE id = $1
		FOR UPDATE`, requestID).Scan(&requesterID, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("lock request %d: %w", requestID, err)
	}

	if requesterID != actor.UserID {
		return ErrNotFound
	}
	if status != models.RequestStatusPending {
		return fmt.Errorf("%w: request is already %s", ErrInvalidState, status)
	}

	_, err = tx.Exec(`
		UPDATE transaction_requests SET status = $1, updated_at = NOW()
		WHERE id = $2`, models.RequestStatusCancelled, requestID)
	if err != nil {
		return fmt.Errorf("cancel request %d: %w", requestID, err)
	}

	return tx.Commit()
}

// ListRequests returns requests visible to the caller, newest first:
// clients see their own, admins their branch, managers everything.
func (s *RequestService) ListRequests(actor models.Actor, statusFilter string) ([]RequestView, error) {
	query := `
		SELECT r.id, r.user_id, u.name, u.email, r.request_type, r.requested_amount,
		       r.approved_amount, r.status, COALESCE(r.client_notes, ''), COALESCE(r.admin_notes, ''),
		       r.approved_by_id, a.name, r.approved_at, r.created_at, r.updated_at
		FROM transaction_requests r
		JOIN users u ON r.user_id = u.id
		LEFT JOIN users a ON r.approved_by_id = a.id`

	var conditions []string
	var args []interface{}
	argIndex := 1

	switch actor.Role {
	case models.RoleClient:
		conditions = append(conditions, fmt.Sprintf("r.user_id = $%d", argIndex))
		args = append(args, actor.UserID)
		argIndex++
	case models.RoleAdmin:
		conditions = append(conditions, fmt.Sprintf("u.branch_id = $%d", argIndex))
		args = append(args, actor.BranchID)
		argIndex++
	}

	if statusFilter != "" {
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", argIndex))
		args = append(args, statusFilter)
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY r.created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	views := []RequestView{}
	for rows.Next() {
		var (
			v            RequestView
			requested    decimal.Decimal
			approved     decimal.NullDecimal
			approvedByID sql.NullInt64
			approverName sql.NullString
			approvedAt   sql.NullTime
			updatedAt    sql.NullTime
		)
		err := rows.Scan(&v.ID, &v.UserID, &v.UserName, &v.UserEmail, &v.RequestType,
			&requested, &approved, &v.Status, &v.ClientNotes, &v.AdminNotes,
			&approvedByID, &approverName, &approvedAt, &v.CreatedAt, &updatedAt)
		if err != nil {
			return nil, err
		}

		// Decimals cross to float only here, at the response boundary.
		v.RequestedAmount, _ = requested.Float64()
		if approved.Valid {
			f, _ := approved.Decimal.Float64()
			v.ApprovedAmount = &f
		}
		if approvedByID.Valid {
			id := int(approvedByID.Int64)
			v.ApprovedByID = &id
			if approverName.Valid {
				v.ApprovedByName = approverName.String
			} else {
				v.ApprovedByName = "unknown"
			}
		}
		if approvedAt.Valid {
			v.ApprovedAt = &approvedAt.Time
		}
		if updatedAt.Valid {
			v.UpdatedAt = &updatedAt.Time
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// HTTP handlers

// CreateRequest handles client request submission
// @Summary Submit a transaction request
// @Description Client submits a deposit or withdrawal request for approval
// @Tags requests
// @Accept json
// @Produce json
// @Param request body CreateRequestPayload true "Request data"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /transactions/request [post]
func (s *RequestService) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var payload CreateRequestPayload
	if !decodeJSONBody(w, r, &payload) {
		return
	}

	id, err := s.CreateRequest(actor, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"message":    fmt.Sprintf("%s request submitted successfully", payload.RequestType),
		"request_id": id,
	})
}

// DecideRequest handles request approval and rejection
// @Summary Approve or reject a transaction request
// @Description Admin/manager approves (optionally with a partial amount) or rejects a pending request
// @Tags requests
// @Accept json
// @Produce json
// @Param request body DecideRequestPayload true "Decision data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /transactions/approve-request [post]
func (s *RequestService) DecideRequestHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var payload DecideRequestPayload
	if !decodeJSONBody(w, r, &payload) {
		return
	}

	result, err := s.DecideRequest(actor, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := map[string]interface{}{
		"success": true,
		"status":  result.Status,
	}
	if result.Status == models.RequestStatusApproved {
		approved, _ := result.ApprovedAmount.Float64()
		resp["message"] = fmt.Sprintf("Request approved for %.2f", approved)
		resp["transaction_id"] = result.TransactionID
	} else {
		resp["message"] = "Request rejected successfully"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CancelRequest handles request cancellation by its requester
// @Summary Cancel a pending transaction request
// @Tags requests
// @Produce json
// @Param requestId path int true "Request ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /transactions/requests/{requestId}/cancel [post]
func (s *RequestService) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	requestID, err := pathInt(r, "requestId")
	if err != nil {
		SendErrorResponse(w, "Invalid request id", http.StatusBadRequest, nil)
		return
	}

	if err := s.CancelRequest(actor, requestID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Request cancelled successfully",
	})
}

// ListRequests handles the role-scoped request listing
// @Summary List transaction requests
// @Description Clients see their own requests, admins their branch, managers all
// @Tags requests
// @Produce json
// @Param status query string false "Filter by status"
// @Success 200 {array} RequestView
// @Router /transactions/requests [get]
func (s *RequestService) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	views, err := s.ListRequests(actor, r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// decodeJSONBody applies the shared body-decoding rules: bounded size, no
// unknown fields, exactly one JSON object, then struct validation errors
// are reported by the caller. Returns false if a response was written.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	return true
}
