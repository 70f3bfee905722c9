package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/model"
)

type StoryRepository struct {
	pool *pgxpool.Pool
}

func NewStoryRepository(pool *pgxpool.Pool) *StoryRepository {
	return &StoryRepository{pool: pool}
}

func (r *StoryRepository) Create(ctx context.Context, s *model.Story) error {
	defer logger.DeferLogDuration("story.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stories (id, user_id, media_url, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UserID, s.MediaURL, s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storyRepo.Create: %w", err)
	}
	return nil
}

// ListActive возвращает неистёкшие истории, новые первыми.
func (r *StoryRepository) ListActive(ctx context.Context) ([]model.Story, error) {
	defer logger.DeferLogDuration("story.ListActive", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, media_url, expires_at, created_at
		 FROM stories WHERE expires_at > $1
		 ORDER BY created_at DESC`, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("storyRepo.ListActive query: %w", err)
	}
	defer rows.Close()

	stories := make([]model.Story, 0, 16)
	for rows.Next() {
		var s model.Story
		if err := rows.Scan(&s.ID, &s.UserID, &s.MediaURL, &s.ExpiresAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storyRepo.ListActive scan: %w", err)
		}
		stories = append(stories, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storyRepo.ListActive rows: %w", err)
	}
	return stories, nil
}

// DeleteExpired удаляет истории с истёкшим сроком; возвращает число удалённых.
func (r *StoryRepository) DeleteExpired(ctx context.Context) (int64, error) {
	defer logger.DeferLogDuration("story.DeleteExpired", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM stories WHERE expires_at <= $1`, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("storyRepo.DeleteExpired: %w", err)
	}
	return tag.RowsAffected(), nil
}
