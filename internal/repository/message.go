package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// InsertSerialized атомарно допускает сообщение в чат:
//  1. блокирует строку чата (FOR UPDATE) — конкурентные отправки в один чат
//     сериализуются, отметки времени монотонны в пределах чата;
//  2. блокирует членство отправителя и проверяет флаг blocked по текущему
//     значению; при blocked=true отправка отклоняется с ErrBlocked;
//  3. выполняет сброс blocked отправителя (до этого шага доходят только
//     члены с blocked=false, так что строка не меняется) и вставляет
//     сообщение с серверной отметкой времени.
//
// m.CreatedAt проставляется внутри, под блокировкой чата.
// Возвращает ErrNotFound (чата нет), ErrNotMember, ErrBlocked.
func (r *MessageRepository) InsertSerialized(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.InsertSerialized", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.InsertSerialized begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var chatID string
	err = tx.QueryRow(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, m.ChatID).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("msgRepo.InsertSerialized lock chat: %w", err)
	}

	var blocked bool
	err = tx.QueryRow(ctx,
		`SELECT blocked FROM chat_members WHERE chat_id = $1 AND user_id = $2 FOR UPDATE`,
		m.ChatID, m.SenderID,
	).Scan(&blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("msgRepo.InsertSerialized lock member: %w", err)
	}
	if blocked {
		return ErrBlocked
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_members SET blocked = false WHERE chat_id = $1 AND user_id = $2 AND blocked`,
		m.ChatID, m.SenderID,
	); err != nil {
		return fmt.Errorf("msgRepo.InsertSerialized clear block: %w", err)
	}

	m.CreatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, msg_type, content, media_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7)`,
		m.ID, m.ChatID, m.SenderID, m.Type, m.Content, m.MediaURL, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("msgRepo.InsertSerialized insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.InsertSerialized commit: %w", err)
	}
	return nil
}

// ListBefore возвращает до limit сообщений чата строго старше before
// (нулевое before — от самых новых) в хронологическом порядке по возрастанию.
// Порядок: (created_at, id) — id разрывает равные отметки времени.
func (r *MessageRepository) ListBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListBefore", time.Now())()
	if limit <= 0 {
		return []model.Message{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, chat_id, sender_id, msg_type, content, COALESCE(media_url,''), created_at
		 FROM messages
		 WHERE chat_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		chatID, nullableTime(before), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListBefore query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Type, &m.Content, &m.MediaURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListBefore scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListBefore rows: %w", err)
	}
	// Запрос идёт от новых к старым; клиенту отдаём по возрастанию.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *MessageRepository) GetLastMessage(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_id, sender_id, msg_type, content, COALESCE(media_url,''), created_at
		 FROM messages WHERE chat_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, chatID,
	).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Type, &m.Content, &m.MediaURL, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) Exists(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("msg.Exists", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("msgRepo.Exists: %w", err)
	}
	return exists, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
