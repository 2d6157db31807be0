package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountResolver looks up accounts owned by the user service.
type AccountResolver struct {
	db *pgxpool.Pool
}

func NewAccountResolver(db *pgxpool.Pool) *AccountResolver {
	return &AccountResolver{db: db}
}

// AccountIDByEmail returns nil, nil when no account uses the email.
func (r *AccountResolver) AccountIDByEmail(ctx context.Context, email string) (*uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT id FROM users WHERE lower(email) = lower($1)`, email).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: lookup account by email: %w", err)
	}
	return &id, nil
}
