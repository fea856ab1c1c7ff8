package orm

import (
	"context"

	"gorm.io/gorm"
)

//go:generate mockery --name UsersRepo --output ./mocks/ --case=underscore

// User is the minimal user-account projection the NAV snapshot rule needs:
// the reporting currency to convert position valuations into.
type User struct {
	ID                string
	ReportingCurrency string
}

// UsersRepo backs the per-user grouping step of the daily NAV snapshot
// pipeline.
type UsersRepo interface {
	Get(ctx context.Context, id string) (*User, error)
	ListWithActivePositions(ctx context.Context) ([]User, error)
}

type usersRepo struct {
	db *gorm.DB
}

// NewUsersRepo builds a UsersRepo backed by gorm.
func NewUsersRepo(db *gorm.DB) UsersRepo {
	return &usersRepo{db: db}
}

func (r *usersRepo) Get(ctx context.Context, id string) (*User, error) {
	var u User
	stmt := `SELECT id, reporting_currency FROM users WHERE id = ?;`
	if err := r.db.WithContext(ctx).Raw(stmt, id).Scan(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *usersRepo) ListWithActivePositions(ctx context.Context) ([]User, error) {
	var users []User
	stmt := `
		SELECT DISTINCT u.id, u.reporting_currency
		FROM users u
		JOIN positions p ON p.owner_user_id = u.id
		WHERE p.active = true;
	`
	if err := r.db.WithContext(ctx).Raw(stmt).Scan(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}
