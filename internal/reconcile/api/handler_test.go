package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ms-enrollment/internal/auth"
	"ms-enrollment/internal/gateway"
	"ms-enrollment/internal/logger"
	"ms-enrollment/internal/models"
	"ms-enrollment/internal/reconcile"
	"ms-enrollment/internal/reconcile/api"
	"ms-enrollment/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-webhook-secret"

type MockService struct {
	mock.Mock
}

func (m *MockService) Prepare(userID string, req models.PrepareRequest) (*models.PrepareResponse, error) {
	args := m.Called(userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PrepareResponse), args.Error(1)
}

func (m *MockService) BeginCheckout(ctx context.Context, merchantRef string) (*models.CheckoutRedirect, error) {
	args := m.Called(merchantRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CheckoutRedirect), args.Error(1)
}

func (m *MockService) Verify(ctx context.Context, gatewayPaymentID, merchantRef string) (*models.Order, error) {
	args := m.Called(gatewayPaymentID, merchantRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockService) HandleNotification(ctx context.Context, n *models.PaidNotification) error {
	args := m.Called(n)
	return args.Error(0)
}

func (m *MockService) Cancel(ctx context.Context, refOrID, reason string, actor reconcile.Actor) (*models.Order, error) {
	args := m.Called(refOrID, reason, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockService) GetOrder(merchantRef string) (*models.Order, error) {
	args := m.Called(merchantRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockService) GetOrdersByUser(userID string) ([]models.Order, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Order), args.Error(1)
}

func (m *MockService) CompleteLesson(userID, courseID, lessonID string) (*models.Enrollment, error) {
	args := m.Called(userID, courseID, lessonID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Enrollment), args.Error(1)
}

// fakeAuth stamps a fixed identity instead of verifying real tokens.
func fakeAuth(userID string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), userID, roles...)))
		})
	}
}

func setupRouter(svc *MockService, userID string, roles ...string) *chi.Mux {
	h := api.NewHandler(svc, testSecret, logger.NewLogger())
	r := chi.NewRouter()
	h.Routes(r, fakeAuth(userID, roles...))
	return r
}

func TestPrepareEndpoint(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "user-1")

	svc.On("Prepare", "user-1", models.PrepareRequest{CourseID: "course-1"}).Return(&models.PrepareResponse{
		MerchantRef: "ref-1", Amount: 49000, DisplayName: "Go From Scratch",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/prepare", bytes.NewBufferString(`{"course_id":"course-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ref-1")
	svc.AssertExpectations(t)
}

func TestPrepareEndpointConflicts(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"already enrolled", reconcile.ErrAlreadyEnrolled, http.StatusConflict, "already_enrolled"},
		{"sold out", reconcile.ErrSoldOut, http.StatusConflict, "sold_out"},
		{"unknown course", reconcile.ErrCourseNotFound, http.StatusNotFound, "course_not_found"},
		{"bad amount", reconcile.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockService)
			router := setupRouter(svc, "user-1")
			svc.On("Prepare", "user-1", mock.Anything).Return(nil, tc.err)

			req := httptest.NewRequest(http.MethodPost, "/api/checkout/prepare", bytes.NewBufferString(`{"course_id":"course-1"}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)

			var body utils.APIResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tc.code, body.Code)
		})
	}
}

func TestPrepareEndpointRejectsBadJSON(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/prepare", bytes.NewBufferString(`{not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Prepare", mock.Anything, mock.Anything)
}

func TestVerifyEndpoint(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "user-1")

	svc.On("Verify", "pay-1", "ref-1").Return(&models.Order{
		MerchantRef: "ref-1", Status: models.OrderPaid,
	}, nil)

	body := `{"gateway_payment_id":"pay-1","merchant_ref":"ref-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/verify", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paid"`)
}

func TestVerifyEndpointRequiresBothIDs(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/verify", bytes.NewBufferString(`{"merchant_ref":"ref-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestVerifyEndpointStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{reconcile.ErrOrderNotFound, http.StatusNotFound},
		{reconcile.ErrPaymentNotCompleted, http.StatusBadRequest},
		{reconcile.ErrAmountMismatch, http.StatusBadRequest},
		{reconcile.ErrSoldOut, http.StatusConflict},
		{errors.New("gateway timeout"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := new(MockService)
		router := setupRouter(svc, "user-1")
		svc.On("Verify", "pay-1", "ref-1").Return(nil, tc.err)

		body := `{"gateway_payment_id":"pay-1","merchant_ref":"ref-1"}`
		req := httptest.NewRequest(http.MethodPost, "/api/checkout/verify", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func signedWebhookRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/webhook", bytes.NewBufferString(body))
	req.Header.Set(gateway.SignatureHeader, gateway.Sign([]byte(body), testSecret))
	return req
}

func TestWebhookAcceptsSignedDelivery(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "")

	svc.On("HandleNotification", &models.PaidNotification{
		GatewayPaymentID: "pay-1", OrderRef: "ref-1", Paid: true,
	}).Return(nil)

	body := `{"type":"Transaction.Paid","data":{"paymentId":"pay-1","transactionId":"ref-1"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedWebhookRequest(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "")

	body := `{"payment_id":"pay-1","tx_id":"ref-1","status":"paid"}`
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/webhook", bytes.NewBufferString(body))
	req.Header.Set(gateway.SignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	svc.AssertNotCalled(t, "HandleNotification", mock.Anything)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "")

	body := `{"payment_id":"pay-1","tx_id":"ref-1","status":"paid"}`
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/webhook", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookTransientFailureAsksForRetry(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "")

	svc.On("HandleNotification", mock.Anything).Return(&reconcile.TransientError{Err: errors.New("db down")})

	body := `{"payment_id":"pay-1","tx_id":"ref-1","status":"paid"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedWebhookRequest(body))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookBusinessRejectionStillAnswers200(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "")

	svc.On("HandleNotification", mock.Anything).Return(errors.New("amount mismatch, refunded"))

	body := `{"payment_id":"pay-1","tx_id":"ref-1","status":"paid"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedWebhookRequest(body))

	// The delivery itself succeeded; retrying would change nothing.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsUnknownShape(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "")

	body := `{"something":"else"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedWebhookRequest(body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "HandleNotification", mock.Anything)
}

func TestCancelEndpointPassesActor(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "op-1", auth.OperatorRole)

	svc.On("Cancel", "ref-1", "chargeback", reconcile.Actor{UserID: "op-1", Operator: true}).Return(&models.Order{
		MerchantRef: "ref-1", Status: models.OrderCancelled,
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/ref-1/cancel", bytes.NewBufferString(`{"reason":"chargeback"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestCancelEndpointStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{reconcile.ErrOrderNotFound, http.StatusNotFound},
		{reconcile.ErrForbidden, http.StatusForbidden},
		{reconcile.ErrAlreadyCancelled, http.StatusConflict},
		{reconcile.ErrRefundFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := new(MockService)
		router := setupRouter(svc, "user-1")
		svc.On("Cancel", "ref-1", mock.Anything, mock.Anything).Return(nil, tc.err)

		req := httptest.NewRequest(http.MethodPost, "/api/orders/ref-1/cancel", bytes.NewBufferString(`{"reason":"x"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestGetOrderHidesOtherUsersOrders(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "user-2")

	svc.On("GetOrder", "ref-1").Return(&models.Order{
		MerchantRef: "ref-1", UserID: "user-1", Status: models.OrderPaid,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/ref-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetOrderAllowsOperator(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "op-1", auth.OperatorRole)

	svc.On("GetOrder", "ref-1").Return(&models.Order{
		MerchantRef: "ref-1", UserID: "user-1", Status: models.OrderPaid,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/ref-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompleteLessonEndpoint(t *testing.T) {
	svc := new(MockService)
	router := setupRouter(svc, "user-1")

	svc.On("CompleteLesson", "user-1", "course-1", "lesson-2").Return(&models.Enrollment{
		UserID: "user-1", CourseID: "course-1", Status: models.EnrollmentActive, Progress: 50,
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/courses/course-1/lessons/lesson-2/complete", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"progress":50`)
}
