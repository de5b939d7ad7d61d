package service

import "errors"

// Ошибки сервисного уровня, которые хендлеры отображают в стабильный error_type.
var (
	// ErrProviderTokenVerificationFailed - ID токен провайдера не прошел проверку.
	// Наружу отдается как unauthorized.
	ErrProviderTokenVerificationFailed = errors.New("provider_token_verification_failed")

	// ErrUnsupportedProvider - для провайдера не настроена ни проверка ID токена,
	// ни доверенный режим.
	ErrUnsupportedProvider = errors.New("unsupported_provider")
)
