package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionCreatePurchaseRequest = "CREATE_PURCHASE_REQUEST"
	ActionApproveL1             = "APPROVE_L1"
	ActionApproveL2             = "APPROVE_L2"
	ActionRejectPurchaseRequest = "REJECT_PURCHASE_REQUEST"
	ActionAttachReceipt         = "ATTACH_RECEIPT"
	ActionPOGenerationFailed    = "PO_GENERATION_FAILED"
	ActionRegisterUser          = "REGISTER_USER"
)

// AuditLog tracks Who, What, and When for critical system changes
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID     *uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	User       *User      `gorm:"foreignKey:UserID" json:"user"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string     `gorm:"type:varchar(50);index" json:"entity_id"`
	EntityName string     `gorm:"type:varchar(255)" json:"entity_name,omitempty"`
	Details    string     `gorm:"type:jsonb" json:"details"` // Serialized JSON payload of the action
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}
