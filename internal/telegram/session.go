package telegram

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/gotd/td/session"
)

// memorySession keeps gotd session bytes in memory so the gateway can
// export them as an opaque base64 token after login and preload them when
// restoring a persisted account.
type memorySession struct {
	mu   sync.RWMutex
	data []byte
}

func (s *memorySession) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *memorySession) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.data = make([]byte, len(data))
	copy(s.data, data)
	s.mu.Unlock()
	return nil
}

func (s *memorySession) token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data) == 0 {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(s.data), true
}

func (s *memorySession) preload(token string) error {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}
