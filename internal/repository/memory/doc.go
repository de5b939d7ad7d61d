// Package memory содержит потокобезопасные реализации хранилищ в памяти.
//
// Они соблюдают те же контракты, что и PostgreSQL-репозитории: уникальность
// (provider, provider_id), одна живая сессия на (user, device) и атомарная
// ротация refresh токена. Используются в тестах и при локальном запуске
// с storage.driver=memory.
package memory
