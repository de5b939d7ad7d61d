package errors

import "errors"

// Общие ошибки приложения
var (
	// ErrNotFound используется, когда запись или ресурс не найдены.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthorized используется для любого отказа в аутентификации.
	// Клиент всегда получает одинаковый ответ, причина пишется только в лог.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAccountDisabled используется, когда идентичность найдена, но деактивирована.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrValidation используется для ошибок валидации входных данных.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredential используется хранилищем сессий, когда refresh токен
	// неизвестен, уже использован, отозван или истек.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrExpiredToken используется, когда токен (например, refresh) истек.
	ErrExpiredToken = errors.New("token is expired")

	// ErrConflict используется для конфликтов состояния (гонка на уникальном ключе
	// после исчерпания повторов).
	ErrConflict = errors.New("resource state conflict")
)
