package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/model"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_type, COALESCE(name,''), created_at FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

// CreateChannel создаёт канал с создателем в роли admin.
func (r *ChatRepository) CreateChannel(ctx context.Context, creatorID, name string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateChannel", time.Now())()
	c := &model.Chat{
		ID:        uuid.New().String(),
		ChatType:  model.ChatTypeChannel,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChannel begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO chats (id, chat_type, name, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.ChatType, c.Name, c.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChannel insert chat: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_members (chat_id, user_id, role) VALUES ($1, $2, $3)`,
		c.ID, creatorID, model.RoleAdmin,
	); err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChannel insert member: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChannel commit: %w", err)
	}
	return c, nil
}

// FindPersonalChat возвращает личный чат с участниками {a, b}.
// Личный чат по инварианту содержит ровно двух участников, поэтому
// достаточно проверить наличие обоих.
func (r *ChatRepository) FindPersonalChat(ctx context.Context, a, b string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindPersonalChat", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT c.id, c.chat_type, COALESCE(c.name,''), c.created_at
		 FROM chats c
		 WHERE c.chat_type = 'personal'
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)`,
		a, b,
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindPersonalChat: %w", err)
	}
	return c, nil
}

// GetOrCreatePersonalChat идемпотентно возвращает личный чат пары {a, b},
// создавая его при отсутствии. Advisory-блокировка на канонически упорядоченной
// паре сериализует конкурентное создание: GetOrCreatePersonalChat(a,b) и
// (b,a) всегда сходятся к одному чату.
func (r *ChatRepository) GetOrCreatePersonalChat(ctx context.Context, a, b string) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.GetOrCreatePersonalChat", time.Now())()
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("chatRepo.GetOrCreatePersonalChat begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('personal:' || $1 || ':' || $2, 0))`,
		lo, hi,
	); err != nil {
		return nil, false, fmt.Errorf("chatRepo.GetOrCreatePersonalChat lock: %w", err)
	}

	c := &model.Chat{}
	err = tx.QueryRow(ctx,
		`SELECT c.id, c.chat_type, COALESCE(c.name,''), c.created_at
		 FROM chats c
		 WHERE c.chat_type = 'personal'
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)`,
		lo, hi,
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedAt)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("chatRepo.GetOrCreatePersonalChat commit: %w", err)
		}
		return c, false, nil
	case errors.Is(err, pgx.ErrNoRows):
		// создаём ниже
	default:
		return nil, false, fmt.Errorf("chatRepo.GetOrCreatePersonalChat find: %w", err)
	}

	c = &model.Chat{
		ID:        uuid.New().String(),
		ChatType:  model.ChatTypePersonal,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chats (id, chat_type, created_at) VALUES ($1, $2, $3)`,
		c.ID, c.ChatType, c.CreatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("chatRepo.GetOrCreatePersonalChat insert chat: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_members (chat_id, user_id, role) VALUES ($1, $2, 'member'), ($1, $3, 'member')`,
		c.ID, lo, hi,
	); err != nil {
		return nil, false, fmt.Errorf("chatRepo.GetOrCreatePersonalChat insert members: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("chatRepo.GetOrCreatePersonalChat commit: %w", err)
	}
	return c, true, nil
}

func (r *ChatRepository) GetMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ChatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsMember: %w", err)
	}
	return exists, nil
}

// GetMember возвращает членство пользователя в чате (включая флаг blocked).
func (r *ChatRepository) GetMember(ctx context.Context, chatID, userID string) (*model.ChatMember, error) {
	defer logger.DeferLogDuration("chat.GetMember", time.Now())()
	m := &model.ChatMember{ChatID: chatID, UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT role, blocked FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&m.Role, &m.Blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMember: %w", err)
	}
	return m, nil
}

// SetBlocked выставляет флаг blocked членства. Идемпотентно; ErrNotMember,
// если членства нет.
func (r *ChatRepository) SetBlocked(ctx context.Context, chatID, userID string, blocked bool) error {
	defer logger.DeferLogDuration("chat.SetBlocked", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chat_members SET blocked = $1 WHERE chat_id = $2 AND user_id = $3`,
		blocked, chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.SetBlocked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.chat_type, COALESCE(c.name,''), c.created_at
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}

func (r *ChatRepository) GetMembers(ctx context.Context, chatID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("chat.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.name, u.status, u.last_seen, COALESCE(u.profile_picture,'')
		 FROM users u
		 JOIN chat_members cm ON cm.user_id = u.id
		 WHERE cm.chat_id = $1
		 ORDER BY u.name`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 8)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Name, &u.Status, &u.LastSeen, &u.ProfilePicture); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers rows: %w", err)
	}
	return users, nil
}
