package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enroll-api/internal/models"
)

// StudentRepository is the narrow collaborator lookup the enrollment
// core needs; full student management lives elsewhere.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by their ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, user_id, full_name, email, phone, active, created_at, updated_at
        FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}
