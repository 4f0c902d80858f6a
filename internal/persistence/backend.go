package persistence

import (
	"context"
	"errors"
)

// ErrStorage помечает сбой ввода-вывода хранилища. Такие ошибки логируются и
// пробрасываются наверх без автоматических повторов.
var ErrStorage = errors.New("storage error")

// Backend - коллаборатор персистентности. Запись либо полностью успешна, либо
// полностью провалена; частичных записей не бывает.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan возвращает все пары с данным префиксом ключа; используется
	// при стартовой загрузке Store
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}
