package repository

import (
	"context"

	"procurement/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PurchaseRequestFilter narrows a listing. Scope carries the access policy.
type PurchaseRequestFilter struct {
	Scope     func(*gorm.DB) *gorm.DB
	Status    string
	MissingPO bool
	Page      int
	Limit     int
}

type PurchaseRequestRepository interface {
	Create(ctx context.Context, req *model.PurchaseRequest) error
	FindByID(ctx context.Context, id uint) (*model.PurchaseRequest, error)
	// FindByIDForUpdate row-locks the request until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, id uint) (*model.PurchaseRequest, error)
	List(ctx context.Context, filter PurchaseRequestFilter) ([]model.PurchaseRequest, int64, error)
	Update(ctx context.Context, req *model.PurchaseRequest) error
	// UpdateExtractedData writes only the extraction result, leaving status and approvers untouched.
	UpdateExtractedData(ctx context.Context, id uint, data model.ExtractedData) error
}

type purchaseRequestRepository struct {
	db *gorm.DB
}

func NewPurchaseRequestRepository(db *gorm.DB) PurchaseRequestRepository {
	return &purchaseRequestRepository{db: db}
}

func (r *purchaseRequestRepository) Create(ctx context.Context, req *model.PurchaseRequest) error {
	return GetDB(ctx, r.db).Omit(clause.Associations).Create(req).Error
}

func (r *purchaseRequestRepository) FindByID(ctx context.Context, id uint) (*model.PurchaseRequest, error) {
	var req model.PurchaseRequest
	if err := GetDB(ctx, r.db).
		Preload("Requester").Preload("ApproverL1").Preload("ApproverL2").
		First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *purchaseRequestRepository) FindByIDForUpdate(ctx context.Context, id uint) (*model.PurchaseRequest, error) {
	var req model.PurchaseRequest
	if err := GetDB(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *purchaseRequestRepository) List(ctx context.Context, filter PurchaseRequestFilter) ([]model.PurchaseRequest, int64, error) {
	var requests []model.PurchaseRequest
	var total int64

	db := GetDB(ctx, r.db)
	apply := func(q *gorm.DB) *gorm.DB {
		if filter.Scope != nil {
			q = q.Scopes(filter.Scope)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.MissingPO {
			q = q.Where("status = ? AND purchase_order_file IS NULL", model.StatusApprovedL2)
		}
		return q
	}

	if err := apply(db.Model(&model.PurchaseRequest{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	if err := apply(db.Preload("Requester")).
		Order("created_at DESC").Offset(offset).Limit(filter.Limit).
		Find(&requests).Error; err != nil {
		return nil, 0, err
	}

	return requests, total, nil
}

func (r *purchaseRequestRepository) Update(ctx context.Context, req *model.PurchaseRequest) error {
	return GetDB(ctx, r.db).Omit(clause.Associations).Save(req).Error
}

func (r *purchaseRequestRepository) UpdateExtractedData(ctx context.Context, id uint, data model.ExtractedData) error {
	res := GetDB(ctx, r.db).Model(&model.PurchaseRequest{ID: id}).
		Select("extracted_data").
		Updates(&model.PurchaseRequest{ExtractedData: data})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
