package handler

import (
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"procurement/internal/middleware"
	"procurement/internal/service"
	"procurement/pkg/pagination"
	"procurement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ApproveRequestDTO carries the status the approver was shown. It is optional.
type ApproveRequestDTO struct {
	ExpectedStatus string `json:"expected_status"`
}

type RejectRequestDTO struct {
	Reason string `json:"reason"`
}

type PurchaseRequestHandler struct {
	service   service.PurchaseRequestService
	log       *logrus.Logger
	maxUpload int64
}

func NewPurchaseRequestHandler(svc service.PurchaseRequestService, log *logrus.Logger, maxUpload int64) *PurchaseRequestHandler {
	return &PurchaseRequestHandler{service: svc, log: log, maxUpload: maxUpload}
}

func (h *PurchaseRequestHandler) RegisterRoutes(router *gin.RouterGroup, auth gin.HandlerFunc) {
	requests := router.Group("/api/requests", auth)
	{
		requests.POST("", h.Create)
		requests.GET("", h.List)
		requests.GET("/:id", h.Get)
		requests.PATCH("/:id/approve", h.Approve)
		requests.PATCH("/:id/reject", h.Reject)
		requests.PUT("/:id/receipt", h.AttachReceipt)
		requests.GET("/:id/purchase-order", h.DownloadPurchaseOrder)
	}
}

// Create submits a new purchase request with its proforma document
// @Summary      Create purchase request
// @Description  Stores the proforma, extracts vendor data and creates a PENDING request
// @Tags         purchase-requests
// @Security     BearerAuth
// @Accept       multipart/form-data
// @Produce      json
// @Param        title          formData  string  true   "Title"
// @Param        description    formData  string  true   "Description"
// @Param        amount         formData  string  true   "Amount, at most 2 decimals"
// @Param        currency       formData  string  false  "ISO currency code (default USD)"
// @Param        proforma_file  formData  file    true   "Proforma document (PDF or text)"
// @Success      201  {object}  response.Response{data=service.PurchaseRequestResponse}
// @Failure      400  {object}  response.Response
// @Router       /api/requests [post]
func (h *PurchaseRequestHandler) Create(c *gin.Context) {
	var in service.CreatePurchaseRequestInput
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	doc, closeDoc, err := h.document(c, "proforma_file")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	defer closeDoc()

	created, err := h.service.Create(c.Request.Context(), middleware.ActorFromContext(c), in, doc)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, created))
}

// List returns the purchase requests visible to the caller, newest first
// @Summary      List purchase requests
// @Tags         purchase-requests
// @Security     BearerAuth
// @Produce      json
// @Param        status      query     string  false  "PENDING, APPROVED_L1, APPROVED_L2 or REJECTED"
// @Param        missing_po  query     bool    false  "Only final approvals without a purchase order"
// @Param        page        query     int     false  "Page number (default 1)"
// @Param        limit       query     int     false  "Items per page (default 20)"
// @Success      200  {object}  response.Response{data=[]service.PurchaseRequestResponse,meta=pagination.Meta}
// @Router       /api/requests [get]
func (h *PurchaseRequestHandler) List(c *gin.Context) {
	params := pagination.Parse(c)
	missingPO, _ := strconv.ParseBool(c.DefaultQuery("missing_po", "false"))

	items, total, err := h.service.List(c.Request.Context(), middleware.ActorFromContext(c), service.ListFilter{
		Status:    c.Query("status"),
		MissingPO: missingPO,
		Page:      params.Page,
		Limit:     params.Limit,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, response.List(http.StatusOK, items, params.Meta(total)))
}

// Get returns one purchase request
// @Summary      Get purchase request
// @Tags         purchase-requests
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      int  true  "Purchase request ID"
// @Success      200  {object}  response.Response{data=service.PurchaseRequestResponse}
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /api/requests/{id} [get]
func (h *PurchaseRequestHandler) Get(c *gin.Context) {
	id, ok := h.id(c)
	if !ok {
		return
	}

	req, err := h.service.Get(c.Request.Context(), middleware.ActorFromContext(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, req))
}

// Approve advances the request by one approval level
// @Summary      Approve purchase request
// @Description  PENDING becomes APPROVED_L1; APPROVED_L1 becomes APPROVED_L2 and generates the purchase order
// @Tags         purchase-requests
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                 true   "Purchase request ID"
// @Param        payload  body      ApproveRequestDTO   false  "Expected current status"
// @Success      200  {object}  response.Response{data=service.TransitionResult}
// @Failure      400  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /api/requests/{id}/approve [patch]
func (h *PurchaseRequestHandler) Approve(c *gin.Context) {
	id, ok := h.id(c)
	if !ok {
		return
	}

	var req ApproveRequestDTO
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, h.log, err)
		return
	}

	result, err := h.service.Approve(c.Request.Context(), middleware.ActorFromContext(c), id, req.ExpectedStatus)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// Reject rejects a request that is not final yet
// @Summary      Reject purchase request
// @Tags         purchase-requests
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int               true   "Purchase request ID"
// @Param        payload  body      RejectRequestDTO  false  "Rejection reason"
// @Success      200  {object}  response.Response{data=service.TransitionResult}
// @Failure      400  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /api/requests/{id}/reject [patch]
func (h *PurchaseRequestHandler) Reject(c *gin.Context) {
	id, ok := h.id(c)
	if !ok {
		return
	}

	var req RejectRequestDTO
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, h.log, err)
		return
	}

	result, err := h.service.Reject(c.Request.Context(), middleware.ActorFromContext(c), id, req.Reason)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// AttachReceipt uploads the goods receipt for a fully approved request
// @Summary      Attach receipt
// @Tags         purchase-requests
// @Security     BearerAuth
// @Accept       multipart/form-data
// @Produce      json
// @Param        id            path      int   true  "Purchase request ID"
// @Param        receipt_file  formData  file  true  "Receipt document"
// @Success      200  {object}  response.Response{data=service.PurchaseRequestResponse}
// @Failure      400  {object}  response.Response
// @Failure      403  {object}  response.Response
// @Router       /api/requests/{id}/receipt [put]
func (h *PurchaseRequestHandler) AttachReceipt(c *gin.Context) {
	id, ok := h.id(c)
	if !ok {
		return
	}

	doc, closeDoc, err := h.document(c, "receipt_file")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	defer closeDoc()

	updated, err := h.service.AttachReceipt(c.Request.Context(), middleware.ActorFromContext(c), id, doc)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, updated))
}

// DownloadPurchaseOrder streams the generated purchase order PDF
// @Summary      Download purchase order
// @Tags         purchase-requests
// @Security     BearerAuth
// @Produce      application/pdf
// @Param        id   path  int  true  "Purchase request ID"
// @Success      200  {file}    file
// @Failure      404  {object}  response.Response
// @Router       /api/requests/{id}/purchase-order [get]
func (h *PurchaseRequestHandler) DownloadPurchaseOrder(c *gin.Context) {
	id, ok := h.id(c)
	if !ok {
		return
	}

	path, err := h.service.PurchaseOrderPath(c.Request.Context(), middleware.ActorFromContext(c), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.FileAttachment(path, filepath.Base(path))
}

func (h *PurchaseRequestHandler) id(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid purchase request ID"))
		return 0, false
	}
	return uint(id), true
}

// document opens the uploaded form file. A missing file yields an empty
// Document so the service reports the validation error.
// bindOptionalJSON accepts an empty body but rejects a malformed one.
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(service.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func (h *PurchaseRequestHandler) document(c *gin.Context, field string) (service.Document, func(), error) {
	noop := func() {}
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return service.Document{}, noop, nil
		}
		return service.Document{}, noop, errors.Wrapf(service.ErrValidation, "%s: %v", field, err)
	}
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		return service.Document{}, noop, errors.Wrapf(service.ErrValidation, "%s exceeds %d bytes", field, h.maxUpload)
	}

	var f multipart.File
	if f, err = fh.Open(); err != nil {
		return service.Document{}, noop, errors.Wrapf(err, "open %s", field)
	}
	return service.Document{Name: fh.Filename, Size: fh.Size, Reader: f}, func() { _ = f.Close() }, nil
}
