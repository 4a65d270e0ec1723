package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"procurement/internal/lock"
	"procurement/internal/middleware"
	"procurement/internal/model"
	"procurement/internal/policy"
	"procurement/internal/service"
	"procurement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("handler-secret")

type stubPurchaseRequests struct {
	err error

	actor    policy.Actor
	input    service.CreatePurchaseRequestInput
	document []byte
	docName  string
	id       uint
	expected string
	reason   string
	filter   service.ListFilter
	poPath   string
}

func (s *stubPurchaseRequests) Create(_ context.Context, actor policy.Actor, in service.CreatePurchaseRequestInput, doc service.Document) (*service.PurchaseRequestResponse, error) {
	s.actor, s.input, s.docName = actor, in, doc.Name
	if doc.Reader != nil {
		s.document, _ = io.ReadAll(doc.Reader)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &service.PurchaseRequestResponse{ID: 7, Title: in.Title, Status: model.StatusPending}, nil
}

func (s *stubPurchaseRequests) Get(_ context.Context, actor policy.Actor, id uint) (*service.PurchaseRequestResponse, error) {
	s.actor, s.id = actor, id
	if s.err != nil {
		return nil, s.err
	}
	return &service.PurchaseRequestResponse{ID: id, Status: model.StatusPending}, nil
}

func (s *stubPurchaseRequests) List(_ context.Context, actor policy.Actor, filter service.ListFilter) ([]service.PurchaseRequestResponse, int64, error) {
	s.actor, s.filter = actor, filter
	if s.err != nil {
		return nil, 0, s.err
	}
	return []service.PurchaseRequestResponse{{ID: 1}, {ID: 2}}, 42, nil
}

func (s *stubPurchaseRequests) Approve(_ context.Context, actor policy.Actor, id uint, expected string) (service.TransitionResult, error) {
	s.actor, s.id, s.expected = actor, id, expected
	if s.err != nil {
		return service.TransitionResult{}, s.err
	}
	return service.TransitionResult{Message: service.MsgApprovedL1, Request: &service.PurchaseRequestResponse{ID: id, Status: model.StatusApprovedL1}}, nil
}

func (s *stubPurchaseRequests) Reject(_ context.Context, actor policy.Actor, id uint, reason string) (service.TransitionResult, error) {
	s.actor, s.id, s.reason = actor, id, reason
	if s.err != nil {
		return service.TransitionResult{}, s.err
	}
	return service.TransitionResult{Message: service.MsgRejected, Request: &service.PurchaseRequestResponse{ID: id, Status: model.StatusRejected}}, nil
}

func (s *stubPurchaseRequests) AttachReceipt(_ context.Context, actor policy.Actor, id uint, doc service.Document) (*service.PurchaseRequestResponse, error) {
	s.actor, s.id, s.docName = actor, id, doc.Name
	if s.err != nil {
		return nil, s.err
	}
	ref := "receipts/abc_" + doc.Name
	return &service.PurchaseRequestResponse{ID: id, ReceiptFile: &ref}, nil
}

func (s *stubPurchaseRequests) PurchaseOrderPath(_ context.Context, actor policy.Actor, id uint) (string, error) {
	s.actor, s.id = actor, id
	if s.err != nil {
		return "", s.err
	}
	return s.poPath, nil
}

func newRouter(svc service.PurchaseRequestService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log, _ := logtest.NewNullLogger()
	r := gin.New()
	NewPurchaseRequestHandler(svc, log, 1024).RegisterRoutes(r.Group(""), middleware.RequireAuth(secret))
	return r
}

func token(t *testing.T, id uuid.UUID, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id.String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, r http.Handler, req *http.Request, bearer string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body response.Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestRoutesRequireToken(t *testing.T) {
	r := newRouter(&stubPurchaseRequests{})

	rec, body := do(t, r, httptest.NewRequest(http.MethodGet, "/api/requests", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "error", body.Status)

	rec, _ = do(t, r, httptest.NewRequest(http.MethodGet, "/api/requests", nil), "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, r, httptest.NewRequest(http.MethodGet, "/api/requests", nil), token(t, uuid.New(), "intern"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateUploadsProforma(t *testing.T) {
	svc := &stubPurchaseRequests{}
	r := newRouter(svc)
	userID := uuid.New()

	body, contentType := multipartBody(t, map[string]string{
		"title":       "Laptops",
		"description": "Three laptops",
		"amount":      "1500.00",
		"currency":    "USD",
	}, "proforma_file", "sample.pdf", "%PDF-1.4")
	req := httptest.NewRequest(http.MethodPost, "/api/requests", body)
	req.Header.Set("Content-Type", contentType)

	rec, resp := do(t, r, req, token(t, userID, model.RoleEmployee))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "success", resp.Status)

	assert.Equal(t, policy.Actor{ID: userID, Role: model.RoleEmployee}, svc.actor)
	assert.Equal(t, "Laptops", svc.input.Title)
	assert.Equal(t, "1500.00", svc.input.Amount)
	assert.Equal(t, "sample.pdf", svc.docName)
	assert.Equal(t, "%PDF-1.4", string(svc.document))
}

func TestCreateRejectsOversizedUpload(t *testing.T) {
	svc := &stubPurchaseRequests{}
	r := newRouter(svc)

	body, contentType := multipartBody(t, map[string]string{"title": "Big"}, "proforma_file", "big.pdf", strings.Repeat("x", 2048))
	req := httptest.NewRequest(http.MethodPost, "/api/requests", body)
	req.Header.Set("Content-Type", contentType)

	rec, resp := do(t, r, req, token(t, uuid.New(), model.RoleEmployee))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "exceeds")
	assert.Empty(t, svc.docName)
}

func TestListPassesQuery(t *testing.T) {
	svc := &stubPurchaseRequests{}
	r := newRouter(svc)

	rec, resp := do(t, r, httptest.NewRequest(http.MethodGet, "/api/requests?status=APPROVED_L2&missing_po=true&page=2&limit=10", nil),
		token(t, uuid.New(), model.RoleDirector))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.ListFilter{Status: model.StatusApprovedL2, MissingPO: true, Page: 2, Limit: 10}, svc.filter)

	meta, ok := resp.Meta.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 42, meta["total"])
	assert.EqualValues(t, 5, meta["total_pages"])
}

func TestApproveAndReject(t *testing.T) {
	svc := &stubPurchaseRequests{}
	r := newRouter(svc)
	tok := token(t, uuid.New(), model.RoleManager)

	rec, _ := do(t, r, httptest.NewRequest(http.MethodPatch, "/api/requests/3/approve", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint(3), svc.id)
	assert.Empty(t, svc.expected)
	assert.Contains(t, rec.Body.String(), `"status":"approved at manager level"`)

	req := httptest.NewRequest(http.MethodPatch, "/api/requests/3/approve", strings.NewReader(`{"expected_status":"PENDING"}`))
	req.Header.Set("Content-Type", "application/json")
	rec, _ = do(t, r, req, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusPending, svc.expected)

	req = httptest.NewRequest(http.MethodPatch, "/api/requests/4/reject", strings.NewReader(`{"reason":"budget exceeded"}`))
	req.Header.Set("Content-Type", "application/json")
	rec, _ = do(t, r, req, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "budget exceeded", svc.reason)

	rec, _ = do(t, r, httptest.NewRequest(http.MethodPatch, "/api/requests/4/reject", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.reason)

	rec, _ = do(t, r, httptest.NewRequest(http.MethodPatch, "/api/requests/abc/approve", nil), tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionsRejectMalformedBody(t *testing.T) {
	tok := token(t, uuid.New(), model.RoleManager)

	for _, action := range []string{"approve", "reject"} {
		t.Run(action, func(t *testing.T) {
			svc := &stubPurchaseRequests{}
			r := newRouter(svc)

			req := httptest.NewRequest(http.MethodPatch, "/api/requests/3/"+action, strings.NewReader(`{"expected_status":"PENDING"`))
			req.Header.Set("Content-Type", "application/json")
			rec, body := do(t, r, req, tok)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, body.Error, "invalid request body")
			assert.Zero(t, svc.id, "service must not be called")
		})
	}
}

func TestServiceErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{errors.Wrap(service.ErrInvalidTransition, "request 1 is APPROVED_L2"), http.StatusBadRequest, "request 1 is APPROVED_L2"},
		{errors.Wrap(service.ErrValidation, "amount must not be negative"), http.StatusBadRequest, "amount must not be negative"},
		{errors.Wrap(service.ErrNotFound, "purchase request 9"), http.StatusNotFound, "purchase request 9"},
		{errors.Wrap(service.ErrForbidden, "purchase request 9"), http.StatusForbidden, "forbidden"},
		{errors.Wrap(lock.ErrLockTimeout, "key 9"), http.StatusServiceUnavailable, "Service Unavailable"},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r := newRouter(&stubPurchaseRequests{err: tc.err})
			rec, resp := do(t, r, httptest.NewRequest(http.MethodPatch, "/api/requests/9/approve", nil), token(t, uuid.New(), model.RoleManager))
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.code, resp.StatusCode)
			assert.Contains(t, resp.Error, tc.msg)
		})
	}
}

func TestAttachReceiptAndDownload(t *testing.T) {
	svc := &stubPurchaseRequests{}
	r := newRouter(svc)
	tok := token(t, uuid.New(), model.RoleEmployee)

	body, contentType := multipartBody(t, nil, "receipt_file", "receipt.jpg", "jpeg")
	req := httptest.NewRequest(http.MethodPut, "/api/requests/5/receipt", body)
	req.Header.Set("Content-Type", contentType)
	rec, _ := do(t, r, req, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "receipt.jpg", svc.docName)

	dir := t.TempDir()
	svc.poPath = dir + "/PO_5_20250131.pdf"
	require.NoError(t, writeFile(svc.poPath, "%PDF-1.4 po"))

	rec, _ = do(t, r, httptest.NewRequest(http.MethodGet, "/api/requests/5/purchase-order", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.4 po", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "PO_5_20250131.pdf")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
