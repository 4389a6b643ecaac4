package models

import (
	"time"

	"github.com/uptrace/bun"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Enrollment is the access grant tying a user to a course. At most one
// row exists per (user_id, course_id); revocation flips status instead
// of deleting so the purchase history stays auditable.
type Enrollment struct {
	bun.BaseModel `bun:"table:enrollments"`

	ID                 int64            `bun:"id,pk,autoincrement" json:"id"`
	UserID             string           `bun:"user_id,notnull,unique:enrollments_user_course" json:"user_id"`
	CourseID           string           `bun:"course_id,notnull,unique:enrollments_user_course" json:"course_id"`
	Status             EnrollmentStatus `bun:"status,notnull" json:"status"`
	EnrolledAt         time.Time        `bun:"enrolled_at,notnull" json:"enrolled_at"`
	CompletedLessonIDs []string         `bun:"completed_lesson_ids,nullzero" json:"completed_lesson_ids,omitempty"`
	Progress           int              `bun:"progress" json:"progress"`
}
