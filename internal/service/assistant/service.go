package assistant

import (
	"database/sql"
)

// Service handles account, session, and transcript persistence.
type Service struct {
	db *sql.DB
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}
