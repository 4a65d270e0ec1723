package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PurchaseRequest status enum constants
const (
	StatusPending    = "PENDING"
	StatusApprovedL1 = "APPROVED_L1"
	StatusApprovedL2 = "APPROVED_L2"
	StatusRejected   = "REJECTED"
)

// PurchaseRequest is one purchase request and its approval lifecycle.
// Status, approver fields, rejection reason and purchase order file are only
// ever written by the approval service.
type PurchaseRequest struct {
	ID                uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Title             string          `gorm:"type:varchar(255);not null" json:"title"`
	Description       string          `gorm:"type:text;not null" json:"description"`
	Amount            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency          string          `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	RequesterID       uuid.UUID       `gorm:"type:uuid;not null;index" json:"requester_id"`
	Requester         *User           `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	ApproverL1ID      *uuid.UUID      `gorm:"column:approver_l1_id;type:uuid" json:"approver_l1_id"`
	ApproverL1        *User           `gorm:"foreignKey:ApproverL1ID" json:"approver_l1,omitempty"`
	ApproverL2ID      *uuid.UUID      `gorm:"column:approver_l2_id;type:uuid" json:"approver_l2_id"`
	ApproverL2        *User           `gorm:"foreignKey:ApproverL2ID" json:"approver_l2,omitempty"`
	Status            string          `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	RejectionReason   *string         `gorm:"type:text" json:"rejection_reason"`
	ProformaFile      string          `gorm:"type:text;not null" json:"proforma_file"`
	ExtractedData     ExtractedData   `gorm:"type:jsonb;serializer:json" json:"extracted_data"`
	PurchaseOrderFile *string         `gorm:"type:text" json:"purchase_order_file"`
	ReceiptFile       *string         `gorm:"type:text" json:"receipt_file"`
	CreatedAt         time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (r *PurchaseRequest) String() string {
	return fmt.Sprintf("#%d - %s (%s)", r.ID, r.Title, r.Status)
}

// IsTerminal reports whether no further status change is allowed.
func (r *PurchaseRequest) IsTerminal() bool {
	return r.Status == StatusApprovedL2 || r.Status == StatusRejected
}

// CanApprove reports whether the request is waiting on the given level (1 = manager, 2 = director).
func (r *PurchaseRequest) CanApprove(level int) bool {
	switch level {
	case 1:
		return r.Status == StatusPending
	case 2:
		return r.Status == StatusApprovedL1
	default:
		return false
	}
}
