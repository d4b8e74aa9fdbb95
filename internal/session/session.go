package session

import (
	"sync"
	"time"

	"gridcore/internal/events"
	"gridcore/internal/model"
	"gridcore/internal/store"
)

// Session 单个工作簿的会话状态
type Session struct {
	id        string
	name      string
	createdAt time.Time
	store     *store.Store
	bus       *events.Bus

	mu       sync.RWMutex
	sheets   []string
	charts   []model.Chart
	warnings []string
	nextSeq  uint64
}

func newSession(id, name string, createdAt time.Time, st *store.Store, bufferSize int) *Session {
	return &Session{
		id:        id,
		name:      name,
		createdAt: createdAt,
		store:     st,
		bus:       events.NewBus(bufferSize),
		sheets:    []string{},
		charts:    []model.Chart{},
		warnings:  []string{},
		nextSeq:   1,
	}
}

func (s *Session) summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked()
}

// summaryLocked 调用方需持有 s.mu
func (s *Session) summaryLocked() Summary {
	return Summary{
		ID:          s.id,
		Name:        s.name,
		CreatedAt:   s.createdAt,
		Sheets:      append([]string{}, s.sheets...),
		Charts:      append([]model.Chart{}, s.charts...),
		Warnings:    append([]string{}, s.warnings...),
		Subscribers: s.bus.Subscribers(),
	}
}

func (s *Session) close() error {
	s.bus.Close()
	return s.store.Close()
}
