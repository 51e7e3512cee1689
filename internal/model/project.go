package model

import (
	"time"
)

const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleUser     = "user"
)

type Project struct {
	ID          int64     `db:"id" json:"id"`
	ShortName   string    `db:"short_name" json:"short_name"` // Filesystem-safe, immutable once created
	LongName    string    `db:"long_name" json:"long_name"`
	Description string    `db:"description" json:"description"`
	Active      bool      `db:"active" json:"active"`
	InsertDate  time.Time `db:"insert_date" json:"insert_date"`
}

// ProjectMember is one explicit membership row. A user may hold several roles in the same project.
type ProjectMember struct {
	ProjectID int64  `db:"project_id" json:"project_id"`
	UserID    string `db:"user_id" json:"user_id"`
	Role      string `db:"role" json:"role"`
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleReviewer, RoleUser:
		return true
	}
	return false
}

type Modality struct {
	ID        int64  `db:"id" json:"id"`
	ProjectID int64  `db:"project_id" json:"project_id"`
	Name      string `db:"name" json:"name"`
}

type ContrastType struct {
	ID        int64  `db:"id" json:"id"`
	ProjectID int64  `db:"project_id" json:"project_id"`
	Name      string `db:"name" json:"name"`
}
