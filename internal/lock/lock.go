// Package lock даёт взаимное исключение на заказ: одна единица оплаты на заказ одновременно.
package lock

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Locker берёт блокировку без ожидания. TTL ограничивает время жизни,
// чтобы зависший обработчик не держал заказ вечно.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Memory: блокировки внутри одного процесса
type Memory struct {
	mu   sync.Mutex
	held map[string]memEntry
	seq  uint64
	now  func() time.Time
}

type memEntry struct {
	token   uint64
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memEntry), now: time.Now}
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	m.seq++
	token := m.seq
	m.held[key] = memEntry{token: token, expires: now.Add(ttl)}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// после истечения TTL ключ мог перейти другому владельцу
		if e, ok := m.held[key]; ok && e.token == token {
			delete(m.held, key)
		}
	}, true, nil
}

// OrderKey: ключ блокировки единицы оплаты
func OrderKey(orderID uint) string {
	return "order:" + strconv.FormatUint(uint64(orderID), 10)
}
