package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"procurement/internal/lock"
	"procurement/internal/metrics"
	"procurement/internal/model"
	"procurement/internal/policy"
	"procurement/internal/purchaseorder"
	"procurement/internal/repository"
	"procurement/internal/storage"
	"procurement/internal/websocket"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Transition messages returned to the acting user.
const (
	MsgApprovedL1 = "approved at manager level"
	MsgApprovedL2 = "approved at director level, PO generated"
	MsgRejected   = "rejected"

	DefaultRejectionReason = "No reason provided"
)

// maxAmount keeps amounts inside decimal(12,2).
var maxAmount = decimal.New(1, 10)

// --- DTOs ---

type CreatePurchaseRequestInput struct {
	Title       string `json:"title" form:"title" validate:"required,max=255"`
	Description string `json:"description" form:"description" validate:"required"`
	Amount      string `json:"amount" form:"amount" validate:"required"`
	Currency    string `json:"currency" form:"currency" validate:"required,len=3,alpha,uppercase"`
}

// Document is an uploaded file.
type Document struct {
	Name   string
	Size   int64
	Reader io.Reader
}

type ListFilter struct {
	Status    string
	MissingPO bool
	Page      int
	Limit     int
}

type TransitionResult struct {
	Message string                   `json:"status"`
	Request *PurchaseRequestResponse `json:"request"`
}

type PurchaseRequestResponse struct {
	ID                uint                `json:"id"`
	PONumber          string              `json:"po_number,omitempty"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	Amount            string              `json:"amount"`
	Currency          string              `json:"currency"`
	RequesterID       string              `json:"requester"`
	RequesterName     string              `json:"requester_name"`
	ApproverL1ID      *string             `json:"approver_l1"`
	ApproverL2ID      *string             `json:"approver_l2"`
	Status            string              `json:"status"`
	RejectionReason   *string             `json:"rejection_reason"`
	ProformaFile      string              `json:"proforma_file"`
	ExtractedData     model.ExtractedData `json:"extracted_data"`
	PurchaseOrderFile *string             `json:"purchase_order_file"`
	ReceiptFile       *string             `json:"receipt_file"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

// --- Collaborators ---

// DocumentExtractor guesses structured data from a stored document. It never fails.
type DocumentExtractor interface {
	Extract(ctx context.Context, path string) model.ExtractedData
}

// ArtifactGenerator renders the purchase order and returns its document reference.
type ArtifactGenerator interface {
	Generate(ctx context.Context, req *model.PurchaseRequest) (string, error)
}

type DocumentStore interface {
	Save(dir storage.Dir, name string, r io.Reader) (string, error)
	Path(ref string) (string, error)
	Remove(ref string) error
}

type EventPublisher interface {
	Publish(event websocket.StatusEvent)
}

// --- Interface ---

type PurchaseRequestService interface {
	Create(ctx context.Context, actor policy.Actor, in CreatePurchaseRequestInput, doc Document) (*PurchaseRequestResponse, error)
	Get(ctx context.Context, actor policy.Actor, id uint) (*PurchaseRequestResponse, error)
	List(ctx context.Context, actor policy.Actor, filter ListFilter) ([]PurchaseRequestResponse, int64, error)
	Approve(ctx context.Context, actor policy.Actor, id uint, expected string) (TransitionResult, error)
	Reject(ctx context.Context, actor policy.Actor, id uint, reason string) (TransitionResult, error)
	AttachReceipt(ctx context.Context, actor policy.Actor, id uint, doc Document) (*PurchaseRequestResponse, error)
	PurchaseOrderPath(ctx context.Context, actor policy.Actor, id uint) (string, error)
}

type PurchaseRequestDeps struct {
	Repo      repository.PurchaseRequestRepository
	Audit     repository.AuditRepository
	TxManager repository.TransactionManager
	Locker    lock.Locker
	Store     DocumentStore
	Extractor DocumentExtractor
	Generator ArtifactGenerator
	Events    EventPublisher
	Metrics   *metrics.Metrics
	Log       *logrus.Logger
}

type purchaseRequestService struct {
	PurchaseRequestDeps
}

func NewPurchaseRequestService(deps PurchaseRequestDeps) PurchaseRequestService {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	return &purchaseRequestService{PurchaseRequestDeps: deps}
}

// --- Implementation ---

func (s *purchaseRequestService) Create(ctx context.Context, actor policy.Actor, in CreatePurchaseRequestInput, doc Document) (*PurchaseRequestResponse, error) {
	if actor.ID == uuid.Nil {
		return nil, errors.Wrap(ErrForbidden, "authentication required")
	}

	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = "USD"
	}
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(in.Amount))
	if err != nil {
		return nil, invalidf("amount %q is not a decimal number", in.Amount)
	}
	if amount.IsNegative() {
		return nil, invalidf("amount must not be negative")
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, invalidf("amount must have at most 2 decimal places")
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return nil, invalidf("amount must be less than %s", maxAmount.String())
	}
	if doc.Reader == nil || doc.Size <= 0 {
		return nil, invalidf("proforma document is required")
	}

	ref, err := s.Store.Save(storage.Proformas, storage.UploadName(doc.Name), doc.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "store proforma")
	}

	req := &model.PurchaseRequest{
		Title:        in.Title,
		Description:  in.Description,
		Amount:       amount,
		Currency:     in.Currency,
		RequesterID:  actor.ID,
		Status:       model.StatusPending,
		ProformaFile: ref,
	}

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.Repo.Create(txCtx, req); err != nil {
			return errors.Wrap(err, "failed to create purchase request")
		}
		return s.audit(txCtx, actor.ID, model.ActionCreatePurchaseRequest, req, map[string]interface{}{
			"title":    req.Title,
			"amount":   req.Amount.StringFixed(2),
			"currency": req.Currency,
		})
	})
	if err != nil {
		return nil, err
	}
	s.Metrics.RequestsCreated.Inc()

	// Extraction runs after the insert and is stored with a second write.
	path, err := s.Store.Path(ref)
	if err != nil {
		return nil, err
	}
	req.ExtractedData = s.Extractor.Extract(ctx, path)
	if req.ExtractedData.Failed() {
		s.Metrics.ExtractionFailures.Inc()
	}
	// Approvers may act while extraction runs, so only the extracted data is written.
	if err := s.Repo.UpdateExtractedData(ctx, req.ID, req.ExtractedData); err != nil {
		return nil, errors.Wrap(err, "failed to store extracted data")
	}

	s.Log.WithFields(logrus.Fields{
		"request":   req.String(),
		"requester": actor.ID,
		"vendor":    req.ExtractedData.Vendor,
	}).Info("purchase request created")
	s.publish(req, actor.ID, "purchase_request.created")

	return s.reload(ctx, req.ID)
}

func (s *purchaseRequestService) Get(ctx context.Context, actor policy.Actor, id uint) (*PurchaseRequestResponse, error) {
	req, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !policy.CanView(actor, req) {
		return nil, errors.Wrapf(ErrForbidden, "purchase request %d", id)
	}
	resp := toPurchaseRequestResponse(req)
	return &resp, nil
}

func (s *purchaseRequestService) List(ctx context.Context, actor policy.Actor, filter ListFilter) ([]PurchaseRequestResponse, int64, error) {
	if filter.Status != "" && !isKnownStatus(filter.Status) {
		return nil, 0, invalidf("unknown status %q", filter.Status)
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	requests, total, err := s.Repo.List(ctx, repository.PurchaseRequestFilter{
		Scope:     policy.ListScope(actor),
		Status:    filter.Status,
		MissingPO: filter.MissingPO,
		Page:      filter.Page,
		Limit:     filter.Limit,
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list purchase requests")
	}

	result := make([]PurchaseRequestResponse, 0, len(requests))
	for i := range requests {
		result = append(result, toPurchaseRequestResponse(&requests[i]))
	}
	return result, total, nil
}

// Approve advances the request by one level. The level is implied by the
// current status, so a caller can never skip the manager step. A non-empty
// expected status must match the locked row; approvers racing on the status
// they were shown then produce exactly one transition.
func (s *purchaseRequestService) Approve(ctx context.Context, actor policy.Actor, id uint, expected string) (TransitionResult, error) {
	if actor.ID == uuid.Nil {
		return TransitionResult{}, errors.Wrap(ErrForbidden, "authentication required")
	}
	if expected != "" && !isKnownStatus(expected) {
		return TransitionResult{}, invalidf("unknown status %q", expected)
	}

	var (
		req       *model.PurchaseRequest
		msg       string
		generated string
	)
	err := s.withRecordLock(ctx, id, func(txCtx context.Context, locked *model.PurchaseRequest) error {
		req = locked
		if expected != "" && req.Status != expected {
			s.Metrics.IncInvalidTransition("approve")
			return errors.Wrapf(ErrInvalidTransition, "request %d is %s, not %s", id, req.Status, expected)
		}
		switch {
		case req.CanApprove(1):
			req.Status = model.StatusApprovedL1
			req.ApproverL1ID = &actor.ID
			msg = MsgApprovedL1
			if err := s.Repo.Update(txCtx, req); err != nil {
				return errors.Wrap(err, "failed to update purchase request")
			}
			return s.audit(txCtx, actor.ID, model.ActionApproveL1, req, nil)

		case req.CanApprove(2):
			req.Status = model.StatusApprovedL2
			req.ApproverL2ID = &actor.ID
			msg = MsgApprovedL2

			// Generation failure is logged and leaves the reference null; it
			// never undoes the approval.
			ref, genErr := s.generate(ctx, req)
			if genErr == nil {
				generated = ref
				req.PurchaseOrderFile = &ref
			}
			if err := s.Repo.Update(txCtx, req); err != nil {
				return errors.Wrap(err, "failed to update purchase request")
			}
			if genErr != nil {
				if err := s.audit(txCtx, actor.ID, model.ActionPOGenerationFailed, req, map[string]interface{}{
					"error": genErr.Error(),
				}); err != nil {
					return err
				}
			}
			return s.audit(txCtx, actor.ID, model.ActionApproveL2, req, map[string]interface{}{
				"purchase_order_file": req.PurchaseOrderFile,
			})

		default:
			s.Metrics.IncInvalidTransition("approve")
			return errors.Wrapf(ErrInvalidTransition, "request %d is %s and cannot be approved", id, req.Status)
		}
	})
	if err != nil {
		if generated != "" {
			s.discard(generated)
		}
		return TransitionResult{}, err
	}

	s.Metrics.IncTransition(req.Status)
	s.Log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"status":     req.Status,
		"approver":   actor.ID,
	}).Info("purchase request approved")
	s.publish(req, actor.ID, "")

	resp, err := s.reload(ctx, req.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Message: msg, Request: resp}, nil
}

// Reject moves a non-final request to REJECTED. An empty reason is replaced
// by DefaultRejectionReason.
func (s *purchaseRequestService) Reject(ctx context.Context, actor policy.Actor, id uint, reason string) (TransitionResult, error) {
	if actor.ID == uuid.Nil {
		return TransitionResult{}, errors.Wrap(ErrForbidden, "authentication required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectionReason
	}

	var req *model.PurchaseRequest
	err := s.withRecordLock(ctx, id, func(txCtx context.Context, locked *model.PurchaseRequest) error {
		req = locked
		if req.IsTerminal() {
			s.Metrics.IncInvalidTransition("reject")
			return errors.Wrapf(ErrInvalidTransition, "request %d is already %s", id, req.Status)
		}

		req.Status = model.StatusRejected
		req.RejectionReason = &reason
		if err := s.Repo.Update(txCtx, req); err != nil {
			return errors.Wrap(err, "failed to update purchase request")
		}
		return s.audit(txCtx, actor.ID, model.ActionRejectPurchaseRequest, req, map[string]interface{}{
			"reason": reason,
		})
	})
	if err != nil {
		return TransitionResult{}, err
	}

	s.Metrics.IncTransition(req.Status)
	s.Log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"actor":      actor.ID,
		"reason":     reason,
	}).Info("purchase request rejected")
	s.publish(req, actor.ID, "")

	resp, err := s.reload(ctx, req.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Message: MsgRejected, Request: resp}, nil
}

// AttachReceipt stores the requester's receipt once the request is fully approved.
func (s *purchaseRequestService) AttachReceipt(ctx context.Context, actor policy.Actor, id uint, doc Document) (*PurchaseRequestResponse, error) {
	if doc.Reader == nil || doc.Size <= 0 {
		return nil, invalidf("receipt document is required")
	}

	err := s.withRecordLock(ctx, id, func(txCtx context.Context, req *model.PurchaseRequest) error {
		if req.RequesterID != actor.ID {
			return errors.Wrapf(ErrForbidden, "only the requester can attach a receipt to request %d", id)
		}
		if !policy.CanAttachReceipt(actor, req) {
			return errors.Wrapf(ErrInvalidTransition, "request %d is %s; receipts are accepted after final approval", id, req.Status)
		}

		ref, err := s.Store.Save(storage.Receipts, storage.UploadName(doc.Name), doc.Reader)
		if err != nil {
			return errors.Wrap(err, "store receipt")
		}
		req.ReceiptFile = &ref
		if err := s.Repo.Update(txCtx, req); err != nil {
			return errors.Wrap(err, "failed to update purchase request")
		}
		return s.audit(txCtx, actor.ID, model.ActionAttachReceipt, req, map[string]interface{}{
			"receipt_file": ref,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, id)
}

// PurchaseOrderPath resolves the generated purchase order of a visible request.
func (s *purchaseRequestService) PurchaseOrderPath(ctx context.Context, actor policy.Actor, id uint) (string, error) {
	req, err := s.find(ctx, id)
	if err != nil {
		return "", err
	}
	if !policy.CanView(actor, req) {
		return "", errors.Wrapf(ErrForbidden, "purchase request %d", id)
	}
	if req.PurchaseOrderFile == nil {
		return "", errors.Wrapf(ErrNotFound, "purchase request %d has no purchase order", id)
	}
	return s.Store.Path(*req.PurchaseOrderFile)
}

// --- Helpers ---

// withRecordLock serializes all mutations of one request: the keyed lock
// covers this process (or every node with the Redis locker) and the row lock
// covers the database.
func (s *purchaseRequestService) withRecordLock(ctx context.Context, id uint, fn func(txCtx context.Context, req *model.PurchaseRequest) error) error {
	unlock, err := s.Locker.Lock(ctx, strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return errors.Wrapf(err, "lock purchase request %d", id)
	}
	defer unlock()

	return s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		req, err := s.Repo.FindByIDForUpdate(txCtx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrNotFound, "purchase request %d", id)
			}
			return errors.Wrap(err, "failed to load purchase request")
		}
		return fn(txCtx, req)
	})
}

func (s *purchaseRequestService) generate(ctx context.Context, req *model.PurchaseRequest) (ref string, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("purchase order generation panicked: %v", r)
		}
		s.Metrics.PurchaseOrderGenDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			s.Metrics.PurchaseOrderFailures.Inc()
			s.Log.WithFields(logrus.Fields{
				"request_id": req.ID,
				"error":      err,
			}).Error("purchase order generation failed; request stays approved without a document")
			return
		}
		s.Metrics.PurchaseOrderGenerated.Inc()
	}()
	return s.Generator.Generate(ctx, req)
}

// discard removes a purchase order whose approval was rolled back.
func (s *purchaseRequestService) discard(ref string) {
	if err := s.Store.Remove(ref); err != nil {
		s.Log.WithFields(logrus.Fields{
			"document": ref,
			"error":    err,
		}).Warn("failed to remove orphaned purchase order")
	}
}

func (s *purchaseRequestService) find(ctx context.Context, id uint) (*model.PurchaseRequest, error) {
	req, err := s.Repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "purchase request %d", id)
		}
		return nil, errors.Wrap(err, "failed to load purchase request")
	}
	return req, nil
}

func (s *purchaseRequestService) reload(ctx context.Context, id uint) (*PurchaseRequestResponse, error) {
	req, err := s.find(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reload purchase request")
	}
	resp := toPurchaseRequestResponse(req)
	return &resp, nil
}

func (s *purchaseRequestService) audit(ctx context.Context, userID uuid.UUID, action string, req *model.PurchaseRequest, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["status"] = req.Status
	payload, _ := json.Marshal(details)

	uid := userID
	entry := model.AuditLog{
		UserID:     &uid,
		Action:     action,
		EntityID:   strconv.FormatUint(uint64(req.ID), 10),
		EntityName: req.Title,
		Details:    string(payload),
	}
	if err := s.Audit.Log(ctx, &entry); err != nil {
		return errors.Wrap(err, "failed to write audit log")
	}
	return nil
}

func (s *purchaseRequestService) publish(req *model.PurchaseRequest, actorID uuid.UUID, eventType string) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(websocket.StatusEvent{
		Type:              eventType,
		RequestID:         req.ID,
		RequesterID:       req.RequesterID,
		Status:            req.Status,
		ActorID:           actorID.String(),
		PurchaseOrderFile: req.PurchaseOrderFile,
	})
}

func isKnownStatus(status string) bool {
	switch status {
	case model.StatusPending, model.StatusApprovedL1, model.StatusApprovedL2, model.StatusRejected:
		return true
	}
	return false
}

func uuidPtrString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func toPurchaseRequestResponse(r *model.PurchaseRequest) PurchaseRequestResponse {
	resp := PurchaseRequestResponse{
		ID:                r.ID,
		Title:             r.Title,
		Description:       r.Description,
		Amount:            r.Amount.StringFixed(2),
		Currency:          r.Currency,
		RequesterID:       r.RequesterID.String(),
		ApproverL1ID:      uuidPtrString(r.ApproverL1ID),
		ApproverL2ID:      uuidPtrString(r.ApproverL2ID),
		Status:            r.Status,
		RejectionReason:   r.RejectionReason,
		ProformaFile:      r.ProformaFile,
		ExtractedData:     r.ExtractedData,
		PurchaseOrderFile: r.PurchaseOrderFile,
		ReceiptFile:       r.ReceiptFile,
		CreatedAt:         r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Requester != nil {
		resp.RequesterName = r.Requester.Username
	}
	if r.PurchaseOrderFile != nil {
		resp.PONumber = purchaseorder.PONumber(r.ID)
	}
	return resp
}
