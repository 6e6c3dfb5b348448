package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo/core/user"
)

const userColumns = `id, name, username, email, role, avatar_url, is_active, password_hash, created_at, updated_at, last_login`

type userRow struct {
	ID           string      `db:"id"`
	Name         string      `db:"name"`
	Username     string      `db:"username"`
	Email        null.String `db:"email"`
	Role         string      `db:"role"`
	AvatarURL    null.String `db:"avatar_url"`
	IsActive     bool        `db:"is_active"`
	PasswordHash []byte      `db:"password_hash"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
	LastLogin    null.Time   `db:"last_login"`
}

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) toRow(usr user.User) userRow {
	return userRow{
		ID:           usr.ID,
		Name:         usr.Name,
		Username:     usr.Username,
		Email:        null.NewString(usr.Email, usr.Email != ""),
		Role:         usr.Role.String(),
		AvatarURL:    null.NewString(usr.AvatarURL, usr.AvatarURL != ""),
		IsActive:     usr.IsActive,
		PasswordHash: usr.PasswordHash,
		CreatedAt:    usr.CreatedAt.UTC(),
		UpdatedAt:    usr.UpdatedAt.UTC(),
		LastLogin:    null.NewTime(usr.LastLogin.UTC(), !usr.LastLogin.IsZero()),
	}
}

// fromRow validates the role stored in the row.
func (repo *userRepository) fromRow(row userRow) (user.User, error) {
	role, err := user.ParseRole(row.Role)
	if err != nil {
		return user.User{}, errors.Wrapf(err, "user %s", row.ID)
	}
	usr := user.User{
		ID:           row.ID,
		Name:         row.Name,
		Username:     row.Username,
		Email:        row.Email.String,
		Role:         role,
		AvatarURL:    row.AvatarURL.String,
		IsActive:     row.IsActive,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if row.LastLogin.Valid {
		usr.LastLogin = row.LastLogin.Time.UTC()
	}
	return usr, nil
}

func (repo *userRepository) fromRows(rows []userRow) ([]user.User, error) {
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		usr, err := repo.fromRow(row)
		if err != nil {
			return nil, err
		}
		users = append(users, usr)
	}
	return users, nil
}

// trapNoRowsErr maps psql "no rows" err to user.ErrNotFound
func (repo *userRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return user.ErrNotFound
	}
	return wrapErr(err, msg)
}

func (repo *userRepository) CheckUniqueness(ctx context.Context, username, email string) error {
	var taken []struct {
		Username string      `db:"username"`
		Email    null.String `db:"email"`
	}
	q := `SELECT username, email FROM users WHERE username = $1 OR (email IS NOT NULL AND email = $2) LIMIT 2`
	if err := repo.db.SelectContext(ctx, &taken, q, username, email); err != nil {
		return wrapErr(err, "checking user uniqueness")
	}
	for _, u := range taken {
		if username != "" && u.Username == username {
			return user.ErrUsernameExists
		}
	}
	for _, u := range taken {
		if email != "" && u.Email.String == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	q := `INSERT INTO users (` + userColumns + `)
		VALUES (:id, :name, :username, :email, :role, :avatar_url, :is_active, :password_hash, :created_at, :updated_at, :last_login)`
	if _, err := repo.db.NamedExecContext(ctx, q, repo.toRow(usr)); err != nil {
		switch pqCode(err) {
		case uniqueViolation:
			return user.User{}, repo.CheckUniqueness(ctx, usr.Username, usr.Email)
		}
		return user.User{}, wrapErr(err, "inserting user")
	}
	return repo.GetUserByID(ctx, usr.ID)
}

func (repo *userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	if !isUUID(id) {
		return user.User{}, user.ErrNotFound
	}
	var row userRow
	if err := repo.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return user.User{}, repo.trapNoRowsErr(err, "finding user by ID")
	}
	return repo.fromRow(row)
}

func (repo *userRepository) GetUserByUsernameOrEmail(ctx context.Context, login string) (user.User, error) {
	var row userRow
	q := `SELECT ` + userColumns + ` FROM users WHERE username = $1 OR email = $1 ORDER BY created_at LIMIT 1`
	if err := repo.db.GetContext(ctx, &row, q, login); err != nil {
		return user.User{}, repo.trapNoRowsErr(err, "finding user by username or email")
	}
	return repo.fromRow(row)
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter user.QueryFilter) ([]user.User, error) {
	conds := []string{"TRUE"}
	args := make([]interface{}, 0)

	// users with Name, Username or Email matching the search keyword
	if filter.Search != "" {
		val := "%" + filter.Search + "%"
		conds = append(conds, "(name ILIKE ? OR username ILIKE ? OR email ILIKE ?)")
		args = append(args, val, val, val)
	}
	if len(filter.Roles) > 0 {
		roles := make([]string, 0, len(filter.Roles))
		for _, r := range filter.Roles {
			roles = append(roles, r.String())
		}
		conds = append(conds, "role IN (?)")
		args = append(args, roles)
	}
	if excluded := uuids(filter.ExcludeID); len(excluded) > 0 {
		conds = append(conds, "id NOT IN (?)")
		args = append(args, excluded)
	}
	if filter.IsActive != nil {
		conds = append(conds, "is_active = ?")
		args = append(args, *filter.IsActive)
	}

	q, args, err := in(repo.db, `SELECT `+userColumns+` FROM users WHERE `+strings.Join(conds, " AND ")+` ORDER BY created_at, name`, args...)
	if err != nil {
		return nil, err
	}
	var rows []userRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, wrapErr(err, "querying users")
	}
	return repo.fromRows(rows)
}

func (repo *userRepository) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	if !isUUID(id) {
		return user.ErrNotFound
	}
	res, err := repo.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return wrapErr(err, "updating last login")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.ErrNotFound
	}
	return nil
}
