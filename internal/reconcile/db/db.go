package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ms-enrollment/internal/models"

	"github.com/uptrace/bun"
)

var ErrDuplicateMerchantRef = errors.New("merchant ref already exists")

type DB struct {
	Bun *bun.DB
}

// ---------------- ORDERS ----------------

// InsertOrder → create the pending purchase intent. The unique index on
// merchant_ref is what makes ref generation collision-safe.
func (d *DB) InsertOrder(order *models.Order) error {
	_, err := d.Bun.NewInsert().Model(order).Exec(context.Background())
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateMerchantRef
	}
	return err
}

func (d *DB) GetOrderByRef(merchantRef string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("merchant_ref = ?", merchantRef).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) GetOrderByID(id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("id = ?", id).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) GetOrdersByUser(userID string) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// SetGatewayPaymentID records the gateway's payment id once the
// checkout session is created. Only pending orders are touched.
func (d *DB) SetGatewayPaymentID(orderID, gatewayPaymentID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("gateway_payment_id = ?", gatewayPaymentID).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", orderID).
		Where("status = ?", models.OrderPending).
		Exec(context.Background())
	return err
}

// MarkPaid is the single guarded pending→paid transition. It is a
// compare-and-swap on status: of any number of concurrent callers
// (Verify, webhook deliveries) exactly one sees true.
func (d *DB) MarkPaid(orderID, gatewayPaymentID, method string, paidAt time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderPaid).
		Set("gateway_payment_id = ?", gatewayPaymentID).
		Set("payment_method = ?", method).
		Set("paid_at = ?", paidAt).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", orderID).
		Where("status = ?", models.OrderPending).
		Exec(context.Background())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// TransitionStatus applies a conditional status change and records the
// reason for audit. Returns false when the order was not in from.
func (d *DB) TransitionStatus(orderID string, from, to models.OrderStatus, reason string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", to).
		Set("failure_reason = ?", reason).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", orderID).
		Where("status = ?", from).
		Exec(context.Background())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ---------------- ENROLLMENTS ----------------

// UpsertEnrollment grants access idempotently: the conflict on
// (user_id, course_id) reactivates an existing row instead of failing.
func (d *DB) UpsertEnrollment(userID, courseID string) error {
	enrollment := models.Enrollment{
		UserID:     userID,
		CourseID:   courseID,
		Status:     models.EnrollmentActive,
		EnrolledAt: time.Now(),
	}
	_, err := d.Bun.NewInsert().
		Model(&enrollment).
		On("CONFLICT (user_id, course_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Exec(context.Background())
	return err
}

func (d *DB) GetEnrollment(userID, courseID string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := d.Bun.NewSelect().
		Model(&enrollment).
		Where("user_id = ?", userID).
		Where("course_id = ?", courseID).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// CancelEnrollment revokes access but keeps the row for audit.
func (d *DB) CancelEnrollment(userID, courseID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Enrollment)(nil)).
		Set("status = ?", models.EnrollmentCancelled).
		Where("user_id = ?", userID).
		Where("course_id = ?", courseID).
		Exec(context.Background())
	return err
}

// CompleteLesson records lesson completion and recomputes progress from
// the course's lesson count. Re-completing a lesson is a no-op.
func (d *DB) CompleteLesson(userID, courseID, lessonID string) (*models.Enrollment, error) {
	enrollment, err := d.GetEnrollment(userID, courseID)
	if err != nil {
		return nil, err
	}
	for _, id := range enrollment.CompletedLessonIDs {
		if id == lessonID {
			return enrollment, nil
		}
	}
	enrollment.CompletedLessonIDs = append(enrollment.CompletedLessonIDs, lessonID)

	course, err := d.GetCourse(courseID)
	if err == nil && course.LessonCount > 0 {
		enrollment.Progress = len(enrollment.CompletedLessonIDs) * 100 / course.LessonCount
		if enrollment.Progress > 100 {
			enrollment.Progress = 100
		}
	}

	_, err = d.Bun.NewUpdate().
		Model(enrollment).
		Column("completed_lesson_ids", "progress").
		Where("id = ?", enrollment.ID).
		Exec(context.Background())
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

// ---------------- COURSES / USERS ----------------

func (d *DB) GetCourse(courseID string) (*models.Course, error) {
	var course models.Course
	err := d.Bun.NewSelect().
		Model(&course).
		Where("id = ?", courseID).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &course, nil
}

func (d *DB) GetUser(userID string) (*models.User, error) {
	var user models.User
	err := d.Bun.NewSelect().
		Model(&user).
		Where("id = ?", userID).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// IncrementStudentCount bumps the seat counter in a single UPDATE so
// concurrent grants can never lose an increment.
func (d *DB) IncrementStudentCount(courseID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Course)(nil)).
		Set("student_count = student_count + 1").
		Where("id = ?", courseID).
		Exec(context.Background())
	return err
}

// IsNotFound reports whether err is the store's missing-row signal.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
