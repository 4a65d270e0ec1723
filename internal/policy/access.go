// Package policy decides which purchase requests an actor may see.
package policy

import (
	"procurement/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID   uuid.UUID
	Role string
}

// IsElevated reports staff-level privilege: approvers, finance and admins.
func (a Actor) IsElevated() bool {
	return model.IsElevatedRole(a.Role)
}

// CanView allows elevated actors and the request's own requester.
func CanView(a Actor, req *model.PurchaseRequest) bool {
	if req == nil {
		return false
	}
	return CanViewRequester(a, req.RequesterID)
}

// CanViewRequester is CanView for callers holding only the requester's ID.
func CanViewRequester(a Actor, requesterID uuid.UUID) bool {
	return a.IsElevated() || (a.ID != uuid.Nil && requesterID == a.ID)
}

// CanAttachReceipt allows only the requester, once the request is fully approved.
func CanAttachReceipt(a Actor, req *model.PurchaseRequest) bool {
	return req != nil && a.ID != uuid.Nil && req.RequesterID == a.ID && req.Status == model.StatusApprovedL2
}

// ListScope returns the query restriction for listings: none for elevated
// actors, own requests for everyone else.
func ListScope(a Actor) func(*gorm.DB) *gorm.DB {
	if a.IsElevated() {
		return func(db *gorm.DB) *gorm.DB { return db }
	}
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("requester_id = ?", a.ID)
	}
}
