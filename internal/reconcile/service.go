package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-enrollment/internal/gateway"
	"ms-enrollment/internal/logger"
	"ms-enrollment/internal/models"
	"ms-enrollment/internal/reconcile/db"

	"github.com/google/uuid"
)

// Ledger is the persistent order/enrollment store. All coordination
// between concurrent callers happens through its conditional updates;
// the engine itself holds no state.
type Ledger interface {
	InsertOrder(order *models.Order) error
	GetOrderByRef(merchantRef string) (*models.Order, error)
	GetOrderByID(id string) (*models.Order, error)
	GetOrdersByUser(userID string) ([]models.Order, error)
	SetGatewayPaymentID(orderID, gatewayPaymentID string) error
	MarkPaid(orderID, gatewayPaymentID, method string, paidAt time.Time) (bool, error)
	TransitionStatus(orderID string, from, to models.OrderStatus, reason string) (bool, error)
	UpsertEnrollment(userID, courseID string) error
	GetEnrollment(userID, courseID string) (*models.Enrollment, error)
	CancelEnrollment(userID, courseID string) error
	CompleteLesson(userID, courseID, lessonID string) (*models.Enrollment, error)
	GetCourse(courseID string) (*models.Course, error)
	GetUser(userID string) (*models.User, error)
	IncrementStudentCount(courseID string) error
}

type Gateway interface {
	FetchPayment(ctx context.Context, gatewayPaymentID string) (*models.GatewayPayment, error)
	CancelPayment(ctx context.Context, gatewayPaymentID, reason string) error
	RequestCheckout(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutRedirect, error)
}

type EventPublisher interface {
	PublishOrderPaid(order models.Order) error
	PublishOrderFailed(order models.Order) error
	PublishOrderCancelled(order models.Order) error
	PublishEnrollmentGranted(userID, courseID string) error
}

// DedupeCache is an advisory fast path for webhook redeliveries. It is
// never trusted for correctness; the MarkPaid compare-and-swap is.
type DedupeCache interface {
	Seen(gatewayPaymentID string) (bool, error)
	Forget(gatewayPaymentID string) error
}

// Actor identifies who asked for an operation. Operator is required to
// reverse a paid order.
type Actor struct {
	UserID   string
	Operator bool
}

type Service struct {
	DB      Ledger
	Gateway Gateway
	Events  EventPublisher
	Dedupe  DedupeCache
	Logger  *logger.Logger
}

func NewService(ledger Ledger, gw Gateway, events EventPublisher, dedupe DedupeCache, log *logger.Logger) *Service {
	return &Service{DB: ledger, Gateway: gw, Events: events, Dedupe: dedupe, Logger: log}
}

// ---------------- PREPARE ----------------

// Prepare creates a pending order. For course orders the amount comes
// strictly from the course record; the caller-supplied amount is only
// honoured for generic orders with no course attached.
func (s *Service) Prepare(userID string, req models.PrepareRequest) (*models.PrepareResponse, error) {
	var (
		amount      int64
		displayName string
	)

	if req.CourseID != "" {
		enrollment, err := s.DB.GetEnrollment(userID, req.CourseID)
		if err != nil && !db.IsNotFound(err) {
			return nil, fmt.Errorf("check enrollment: %w", err)
		}
		if enrollment != nil && enrollment.Status == models.EnrollmentActive {
			return nil, ErrAlreadyEnrolled
		}

		course, err := s.DB.GetCourse(req.CourseID)
		if err != nil {
			if db.IsNotFound(err) {
				return nil, ErrCourseNotFound
			}
			return nil, fmt.Errorf("load course %s: %w", req.CourseID, err)
		}
		// Advisory only: no reservation survives the gateway redirect,
		// so Verify re-checks capacity authoritatively.
		if !course.HasCapacity() {
			return nil, ErrSoldOut
		}
		amount = course.Price
		displayName = course.Title
	} else {
		if req.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		amount = req.Amount
		displayName = "Custom order"
	}

	var buyerEmail, buyerName string
	if user, err := s.DB.GetUser(userID); err == nil {
		buyerEmail = user.Email
		buyerName = user.FullName
	} else if !db.IsNotFound(err) {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}

	order := &models.Order{
		ID:          uuid.NewString(),
		MerchantRef: uuid.NewString(),
		UserID:      userID,
		CourseID:    req.CourseID,
		Amount:      amount,
		Status:      models.OrderPending,
		CreatedAt:   time.Now(),
	}
	if err := s.DB.InsertOrder(order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	s.Logger.LogOrder("PREPARE", order.MerchantRef, fmt.Sprintf("pending order created, amount=%d", amount))

	return &models.PrepareResponse{
		MerchantRef: order.MerchantRef,
		Amount:      amount,
		DisplayName: displayName,
		BuyerEmail:  buyerEmail,
		BuyerName:   buyerName,
	}, nil
}

// BeginCheckout registers a checkout session with the gateway for a
// prepared order. The amount sent is the persisted one, never a
// client-supplied value.
func (s *Service) BeginCheckout(ctx context.Context, merchantRef string) (*models.CheckoutRedirect, error) {
	order, err := s.DB.GetOrderByRef(merchantRef)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("load order %s: %w", merchantRef, err)
	}
	if order.Status != models.OrderPending {
		return nil, ErrPaymentNotCompleted
	}

	req := models.CheckoutRequest{
		MerchantRef: order.MerchantRef,
		Amount:      order.Amount,
		UserID:      order.UserID,
		CourseID:    order.CourseID,
	}
	if order.CourseID != "" {
		if course, err := s.DB.GetCourse(order.CourseID); err == nil {
			req.OrderName = course.Title
		}
	}
	if user, err := s.DB.GetUser(order.UserID); err == nil {
		req.BuyerEmail = user.Email
		req.BuyerName = user.FullName
	}

	redirect, err := s.Gateway.RequestCheckout(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.DB.SetGatewayPaymentID(order.ID, redirect.GatewayPaymentID); err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("record gateway payment id for %s: %v", merchantRef, err))
	}
	return redirect, nil
}

// ---------------- VERIFY ----------------

// Verify reconciles a client-reported payment against the gateway's
// record and grants enrollment. Safe to call any number of times for
// the same order.
func (s *Service) Verify(ctx context.Context, gatewayPaymentID, merchantRef string) (*models.Order, error) {
	order, err := s.DB.GetOrderByRef(merchantRef)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("load order %s: %w", merchantRef, err)
	}

	// Already settled by an earlier Verify or a webhook: report success
	// without touching anything.
	if order.Status == models.OrderPaid {
		s.Logger.LogOrder("VERIFY", merchantRef, "already paid, idempotent short-circuit")
		return order, nil
	}
	if order.Status != models.OrderPending {
		return order, nil
	}

	// Capacity is checked before trusting the gateway's PAID status:
	// the charge may already have landed by the time the last seat
	// went, so the refund here is compensating, not preventative.
	if order.CourseID != "" {
		course, err := s.DB.GetCourse(order.CourseID)
		if err != nil && !db.IsNotFound(err) {
			return nil, fmt.Errorf("load course %s: %w", order.CourseID, err)
		}
		if course != nil && !course.HasCapacity() {
			s.failWithRefund(ctx, order, gatewayPaymentID, ReasonSoldOut)
			return nil, ErrSoldOut
		}
	}

	payment, err := s.Gateway.FetchPayment(ctx, gatewayPaymentID)
	if err != nil {
		// Fail closed: the order stays pending and nothing is granted.
		return nil, fmt.Errorf("fetch payment %s: %w", gatewayPaymentID, err)
	}
	if payment.Status != models.GatewayStatusPaid {
		return nil, ErrPaymentNotCompleted
	}

	if payment.Amount.Total != order.Amount {
		s.Logger.LogSecurity("AMOUNT_MISMATCH", fmt.Sprintf(
			"order %s expected %d, gateway charged %d (payment %s)",
			merchantRef, order.Amount, payment.Amount.Total, gatewayPaymentID))
		s.failWithRefund(ctx, order, gatewayPaymentID, ReasonAmountMismatch)
		return nil, ErrAmountMismatch
	}

	if err := s.markPaid(order, payment); err != nil {
		return nil, err
	}
	return order, nil
}

// markPaid is the single shared paid-transition used by Verify and the
// webhook path. Enrollment is upserted first (idempotent either way),
// then the status compare-and-swap decides which caller increments the
// seat counter, so the count moves exactly once per order.
func (s *Service) markPaid(order *models.Order, payment *models.GatewayPayment) error {
	grantedUser, grantedCourse := order.UserID, order.CourseID
	if grantedUser != "" && grantedCourse != "" {
		if err := s.DB.UpsertEnrollment(grantedUser, grantedCourse); err != nil {
			return fmt.Errorf("grant enrollment: %w", err)
		}
	}

	paidAt := time.Now()
	if payment.PaidAt != nil {
		paidAt = *payment.PaidAt
	}

	won, err := s.DB.MarkPaid(order.ID, payment.ID, payment.Method.Type, paidAt)
	if err != nil {
		return fmt.Errorf("mark order %s paid: %w", order.MerchantRef, err)
	}

	if !won {
		// A concurrent caller finished a transition first. That is
		// usually the other notification channel completing the same
		// paid transition, but an owner cancel can race the settlement
		// too, so the persisted row decides what actually happened.
		current, err := s.DB.GetOrderByID(order.ID)
		if err != nil {
			return fmt.Errorf("reload order %s: %w", order.MerchantRef, err)
		}
		*order = *current

		if current.Status != models.OrderPaid {
			// The charge settled against an order that already went
			// terminal some other way. Take the grant back and
			// escalate: the money has moved and needs a manual refund.
			if grantedUser != "" && grantedCourse != "" {
				if err := s.DB.CancelEnrollment(grantedUser, grantedCourse); err != nil {
					s.Logger.Error("RECONCILE", fmt.Sprintf("revoke enrollment for %s/%s: %v", grantedUser, grantedCourse, err))
				}
			}
			s.Logger.Error("RECONCILE", fmt.Sprintf(
				"payment settled for %s order, manual refund required: ref=%s payment=%s amount=%d",
				current.Status, order.MerchantRef, payment.ID, order.Amount))
			return nil
		}

		s.Logger.LogOrder("PAID", order.MerchantRef, "concurrent caller already completed the transition")
		return nil
	}

	order.Status = models.OrderPaid
	order.GatewayPaymentID = payment.ID
	order.PaymentMethod = payment.Method.Type
	order.PaidAt = &paidAt

	if order.CourseID != "" {
		if err := s.DB.IncrementStudentCount(order.CourseID); err != nil {
			s.Logger.Error("RECONCILE", fmt.Sprintf("increment student count for %s: %v", order.CourseID, err))
		}
		if err := s.Events.PublishEnrollmentGranted(order.UserID, order.CourseID); err != nil {
			s.Logger.Error("EVENTS", fmt.Sprintf("publish enrollment granted: %v", err))
		}
	}
	if err := s.Events.PublishOrderPaid(*order); err != nil {
		s.Logger.Error("EVENTS", fmt.Sprintf("publish order paid: %v", err))
	}

	s.Logger.LogOrder("PAID", order.MerchantRef, fmt.Sprintf("order paid via %s", payment.Method.Type))
	return nil
}

// failWithRefund marks the order failed and attempts a compensating
// refund. The refund is best-effort here: a failure is escalated in the
// log with everything manual reconciliation needs, never swallowed.
func (s *Service) failWithRefund(ctx context.Context, order *models.Order, gatewayPaymentID, reason string) {
	if gatewayPaymentID != "" {
		if err := s.Gateway.CancelPayment(ctx, gatewayPaymentID, reason); err != nil {
			s.Logger.Error("RECONCILE", fmt.Sprintf(
				"auto-refund failed, manual follow-up required: ref=%s payment=%s amount=%d reason=%s: %v",
				order.MerchantRef, gatewayPaymentID, order.Amount, reason, err))
		}
	}

	if _, err := s.DB.TransitionStatus(order.ID, models.OrderPending, models.OrderFailed, reason); err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("mark order %s failed: %v", order.MerchantRef, err))
		return
	}
	order.Status = models.OrderFailed
	order.FailureReason = reason

	if err := s.Events.PublishOrderFailed(*order); err != nil {
		s.Logger.Error("EVENTS", fmt.Sprintf("publish order failed: %v", err))
	}
}

// ---------------- WEBHOOK ----------------

// HandleNotification processes a normalized gateway notification. It
// returns a TransientError only when redelivery could help; every
// business outcome (granted, already processed, unresolvable, rejected)
// is recorded internally and reported as processed.
func (s *Service) HandleNotification(ctx context.Context, n *models.PaidNotification) error {
	if !n.Paid {
		s.Logger.Info("WEBHOOK", fmt.Sprintf("ignoring non-paid notification for payment %s", n.GatewayPaymentID))
		return nil
	}

	if s.Dedupe != nil {
		if seen, err := s.Dedupe.Seen(n.GatewayPaymentID); err == nil && seen {
			s.Logger.Info("WEBHOOK", fmt.Sprintf("duplicate delivery for payment %s, skipping", n.GatewayPaymentID))
			return nil
		}
	}

	payment, err := s.Gateway.FetchPayment(ctx, n.GatewayPaymentID)
	if err != nil {
		if errors.Is(err, gateway.ErrPaymentNotFound) {
			s.Logger.Warn("WEBHOOK", fmt.Sprintf("gateway has no record of payment %s, dropping", n.GatewayPaymentID))
			return nil
		}
		s.forget(n.GatewayPaymentID)
		return &TransientError{Err: err}
	}

	// Prefer the custom metadata attached at checkout; fall back to the
	// gateway's own order-reference field from the notification body.
	ref := payment.Metadata["merchant_ref"]
	if ref == "" {
		ref = n.OrderRef
	}
	if ref == "" {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("payment %s carries no order reference, dropping", n.GatewayPaymentID))
		return nil
	}

	order, err := s.DB.GetOrderByRef(ref)
	if err != nil {
		if db.IsNotFound(err) {
			s.Logger.Warn("WEBHOOK", fmt.Sprintf("no order for ref %s (payment %s), dropping", ref, n.GatewayPaymentID))
			return nil
		}
		s.forget(n.GatewayPaymentID)
		return &TransientError{Err: err}
	}

	if order.Status != models.OrderPending {
		return nil
	}

	if uid := payment.Metadata["user_id"]; uid != "" {
		order.UserID = uid
	}
	if cid := payment.Metadata["course_id"]; cid != "" {
		order.CourseID = cid
	}

	if payment.Status != models.GatewayStatusPaid {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("notification says paid but gateway reports %s for payment %s", payment.Status, n.GatewayPaymentID))
		return nil
	}

	if payment.Amount.Total != order.Amount {
		s.Logger.LogSecurity("AMOUNT_MISMATCH", fmt.Sprintf(
			"webhook for order %s expected %d, gateway charged %d (payment %s)",
			order.MerchantRef, order.Amount, payment.Amount.Total, n.GatewayPaymentID))
		s.failWithRefund(ctx, order, n.GatewayPaymentID, ReasonAmountMismatch)
		return nil
	}

	if err := s.markPaid(order, payment); err != nil {
		s.forget(n.GatewayPaymentID)
		return &TransientError{Err: err}
	}
	return nil
}

func (s *Service) forget(gatewayPaymentID string) {
	if s.Dedupe == nil {
		return
	}
	if err := s.Dedupe.Forget(gatewayPaymentID); err != nil {
		s.Logger.Warn("WEBHOOK", fmt.Sprintf("dedupe forget %s: %v", gatewayPaymentID, err))
	}
}

// ---------------- CANCEL ----------------

// Cancel reverses an order. Pending orders may be cancelled by their
// owner with no gateway call; reversing a paid order is an operator
// refund and only flips state after the gateway confirms the refund.
func (s *Service) Cancel(ctx context.Context, refOrID, reason string, actor Actor) (*models.Order, error) {
	order, err := s.DB.GetOrderByRef(refOrID)
	if err != nil {
		if !db.IsNotFound(err) {
			return nil, fmt.Errorf("load order %s: %w", refOrID, err)
		}
		order, err = s.DB.GetOrderByID(refOrID)
		if err != nil {
			if db.IsNotFound(err) {
				return nil, ErrOrderNotFound
			}
			return nil, fmt.Errorf("load order %s: %w", refOrID, err)
		}
	}

	switch order.Status {
	case models.OrderCancelled:
		return nil, ErrAlreadyCancelled

	case models.OrderFailed:
		// Terminal; nothing to reverse.
		return order, nil

	case models.OrderPending:
		if !actor.Operator && actor.UserID != order.UserID {
			return nil, ErrForbidden
		}
		// Nothing was ever charged, no gateway call needed.
		if _, err := s.DB.TransitionStatus(order.ID, models.OrderPending, models.OrderCancelled, reason); err != nil {
			return nil, fmt.Errorf("cancel order %s: %w", order.MerchantRef, err)
		}
		order.Status = models.OrderCancelled

	case models.OrderPaid:
		if !actor.Operator {
			return nil, ErrForbidden
		}
		// The refund is the primary purpose here, so a gateway failure
		// aborts: the order must not read cancelled while the money was
		// not actually returned.
		if err := s.Gateway.CancelPayment(ctx, order.GatewayPaymentID, reason); err != nil {
			s.Logger.Error("RECONCILE", fmt.Sprintf(
				"refund failed: ref=%s payment=%s amount=%d: %v",
				order.MerchantRef, order.GatewayPaymentID, order.Amount, err))
			return nil, fmt.Errorf("%w: %v", ErrRefundFailed, err)
		}
		if _, err := s.DB.TransitionStatus(order.ID, models.OrderPaid, models.OrderCancelled, reason); err != nil {
			return nil, fmt.Errorf("cancel order %s: %w", order.MerchantRef, err)
		}
		order.Status = models.OrderCancelled

		if order.UserID != "" && order.CourseID != "" {
			if err := s.DB.CancelEnrollment(order.UserID, order.CourseID); err != nil {
				s.Logger.Error("RECONCILE", fmt.Sprintf("revoke enrollment for %s/%s: %v", order.UserID, order.CourseID, err))
			}
		}
	}

	if err := s.Events.PublishOrderCancelled(*order); err != nil {
		s.Logger.Error("EVENTS", fmt.Sprintf("publish order cancelled: %v", err))
	}

	s.Logger.LogOrder("CANCEL", order.MerchantRef, fmt.Sprintf("cancelled by %s: %s", actor.UserID, reason))
	return order, nil
}

// ---------------- QUERIES ----------------

func (s *Service) GetOrder(merchantRef string) (*models.Order, error) {
	order, err := s.DB.GetOrderByRef(merchantRef)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Service) GetOrdersByUser(userID string) ([]models.Order, error) {
	return s.DB.GetOrdersByUser(userID)
}

// HasCapacity is the inventory guard read: advisory at Prepare,
// authoritative inside Verify.
func (s *Service) HasCapacity(courseID string) (bool, error) {
	course, err := s.DB.GetCourse(courseID)
	if err != nil {
		if db.IsNotFound(err) {
			return false, ErrCourseNotFound
		}
		return false, err
	}
	return course.HasCapacity(), nil
}

func (s *Service) CompleteLesson(userID, courseID, lessonID string) (*models.Enrollment, error) {
	enrollment, err := s.DB.GetEnrollment(userID, courseID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if enrollment.Status != models.EnrollmentActive {
		return nil, ErrForbidden
	}
	return s.DB.CompleteLesson(userID, courseID, lessonID)
}
