package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/model"
)

// userCols — список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, name, phone, COALESCE(email,''), password_hash, status, last_seen, COALESCE(profile_picture,''), created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Name, &u.Phone, &u.Email, &u.PasswordHash, &u.Status, &u.LastSeen, &u.ProfilePicture, &u.CreatedAt)
}

// isUniqueViolation — нарушение уникального ограничения (телефон/email уже заняты).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	var email any
	if u.Email != "" {
		email = u.Email
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, name, phone, email, password_hash, status, last_seen, profile_picture, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''), $9)`,
		u.ID, u.Name, u.Phone, email, u.PasswordHash, u.Status, u.LastSeen, u.ProfilePicture, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("userRepo.Create: %w", ErrDuplicate)
		}
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByPhone(ctx context.Context, phone string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByPhone", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE phone = $1`, phone)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByPhone: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Search(ctx context.Context, query string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.Search", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users WHERE name ILIKE $1 OR phone = $2 ORDER BY name LIMIT $3`,
		"%"+query+"%", query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Search query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.Search scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.Search rows: %w", err)
	}
	return users, nil
}

// UpdateProfile обновляет только переданные (непустые) поля профиля.
func (r *UserRepository) UpdateProfile(ctx context.Context, userID, name, email, profilePicture string) error {
	defer logger.DeferLogDuration("user.UpdateProfile", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET
		   name = COALESCE(NULLIF($1,''), name),
		   email = COALESCE(NULLIF($2,''), email),
		   profile_picture = COALESCE(NULLIF($3,''), profile_picture)
		 WHERE id = $4`,
		name, email, profilePicture, userID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("userRepo.UpdateProfile: %w", ErrDuplicate)
		}
		return fmt.Errorf("userRepo.UpdateProfile: %w", err)
	}
	return nil
}

// SetStatus выставляет присутствие и обновляет last_seen.
func (r *UserRepository) SetStatus(ctx context.Context, userID string, status model.UserStatus) error {
	defer logger.DeferLogDuration("user.SetStatus", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $1, last_seen = $2 WHERE id = $3`,
		status, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetStatus: %w", err)
	}
	return nil
}

// ResetAllOffline сбрасывает присутствие всех пользователей (после рестарта узла
// живых сессий нет, а упавший узел оставляет устаревший online).
func (r *UserRepository) ResetAllOffline(ctx context.Context) error {
	defer logger.DeferLogDuration("user.ResetAllOffline", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE users SET status = 'offline' WHERE status != 'offline'`)
	if err != nil {
		return fmt.Errorf("userRepo.ResetAllOffline: %w", err)
	}
	return nil
}
