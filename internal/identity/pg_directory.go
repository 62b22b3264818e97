package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) FindUserByID(ctx context.Context, id string) (*User, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, name, email, specialty
		FROM users
		WHERE id = $1
	`, id)

	var u User
	var email, specialty *string

	err := row.Scan(&u.ID, &u.Name, &email, &specialty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	u.Email = email
	u.Specialty = specialty
	return &u, nil
}

func (d *PgDirectory) RolesForUser(ctx context.Context, id string) ([]Role, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT role
		FROM user_roles
		WHERE user_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		roles = append(roles, ParseRole(name))
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return roles, nil
}
