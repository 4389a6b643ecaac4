package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Course is the authoritative catalog record this service reads. Price
// and Title are the only values trusted during Prepare; MaxStock nil
// means unlimited seats.
type Course struct {
	bun.BaseModel `bun:"table:courses"`

	ID           string    `bun:"id,pk" json:"id"`
	Title        string    `bun:"title,notnull" json:"title"`
	Price        int64     `bun:"price,notnull" json:"price"`
	MaxStock     *int      `bun:"max_stock,nullzero" json:"max_stock,omitempty"`
	StudentCount int       `bun:"student_count" json:"student_count"`
	LessonCount  int       `bun:"lesson_count" json:"lesson_count"`
	CreatedAt    time.Time `bun:"created_at,notnull" json:"created_at"`
}

// HasCapacity reports whether another seat can still be granted.
func (c *Course) HasCapacity() bool {
	return c.MaxStock == nil || c.StudentCount < *c.MaxStock
}

type User struct {
	bun.BaseModel `bun:"table:users"`

	ID        string    `bun:"id,pk" json:"id"`
	Email     string    `bun:"email,unique,notnull" json:"email"`
	FullName  string    `bun:"full_name,notnull" json:"full_name"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}
