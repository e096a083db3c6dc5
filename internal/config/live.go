package config

import (
	"sync"

	"github.com/hamed0406/listingwatch/internal/domain"
)

// Live holds the currently applied runtime settings. Readers always get a
// complete snapshot; the reload controller swaps it in one Store call.
type Live struct {
	mu sync.RWMutex
	s  domain.Settings
}

func NewLive(s domain.Settings) *Live {
	l := &Live{}
	l.Store(s)
	return l
}

func (l *Live) Load() domain.Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.s
	s.Proxies.Endpoints = append([]string(nil), l.s.Proxies.Endpoints...)
	return s
}

func (l *Live) Store(s domain.Settings) {
	s.Proxies.Endpoints = append([]string(nil), s.Proxies.Endpoints...)
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
}
