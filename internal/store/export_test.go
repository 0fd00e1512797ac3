package store

import "time"

// SetClock 讓測試控制記憶體儲存的時間
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
