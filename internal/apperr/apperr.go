// Package apperr определяет категории ошибок уровня приложения и их
// отображение в HTTP-статусы. Диспетчер возвращает категоризованные ошибки,
// обработчики переводят их в ответ клиенту.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindNotAMember         Kind = "not_a_member"
	KindBlocked            Kind = "blocked"
	KindBlockedByRecipient Kind = "blocked_by_recipient"
	KindSelfSend           Kind = "self_send"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindValidation         Kind = "validation"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindBusUnavailable     Kind = "bus_unavailable"
	KindPubSubUnavailable  Kind = "pubsub_unavailable"
	KindInternal           Kind = "internal"
)

// Error — категоризованная ошибка. Msg показывается клиенту, Err — внутренняя причина.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New создаёт ошибку заданной категории.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap оборачивает внутреннюю причину в категоризованную ошибку.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf возвращает категорию ошибки; KindInternal, если ошибка не категоризована.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message возвращает текст для клиента; для некатегоризованных ошибок — общий текст.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal server error"
}

// HTTPStatus переводит категорию в HTTP-статус (см. таблицу статусов API).
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotAMember, KindBlocked, KindBlockedByRecipient, KindSelfSend:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindStoreUnavailable, KindBusUnavailable, KindPubSubUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
