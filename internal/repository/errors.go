package repository

import "errors"

// Сигнальные ошибки слоя хранения. Диспетчер переводит их в категории apperr.
var (
	ErrNotFound  = errors.New("not found")
	ErrNotMember = errors.New("not a member")
	ErrBlocked   = errors.New("membership blocked")
	ErrDuplicate = errors.New("duplicate")
)
