package persist

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Memory is the process-local Store used by the memory driver and by tests.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]map[int64]chat.Message
	rooms    map[string]chat.RoomInfo
}

func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]map[int64]chat.Message),
		rooms:    make(map[string]chat.RoomInfo),
	}
}

func (m *Memory) PersistMessage(_ context.Context, roomID string, msg chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.messages[roomID]
	if !ok {
		byID = make(map[int64]chat.Message)
		m.messages[roomID] = byID
	}
	if prev, ok := byID[msg.ID]; ok && prev.Deleted {
		return nil
	}
	byID[msg.ID] = msg
	return nil
}

func (m *Memory) sorted(roomID string) []chat.Message {
	byID := m.messages[roomID]
	out := make([]chat.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) LoadRecentMessages(_ context.Context, roomID string, limit int) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(roomID)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *Memory) LoadMessagesBefore(_ context.Context, roomID string, beforeID int64, limit int) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(roomID)
	end := sort.Search(len(all), func(i int) bool { return all[i].ID >= beforeID })
	all = all[:end]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *Memory) SaveRoom(_ context.Context, info chat.RoomInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.Backlog = nil
	info.Members = slices.Clone(info.Members)
	m.rooms[info.ID] = info
	return nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	delete(m.messages, roomID)
	return nil
}

func (m *Memory) AddMember(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.rooms[roomID]
	if !ok || slices.Contains(info.Members, userID) {
		return nil
	}
	info.Members = append(slices.Clone(info.Members), userID)
	sort.Strings(info.Members)
	m.rooms[roomID] = info
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	info.Members = slices.DeleteFunc(slices.Clone(info.Members), func(id string) bool { return id == userID })
	m.rooms[roomID] = info
	return nil
}

func (m *Memory) ListRooms(_ context.Context) ([]chat.RoomInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]chat.RoomInfo, 0, len(m.rooms))
	for _, info := range m.rooms {
		if msgs := m.messages[info.ID]; len(msgs) > 0 {
			for id := range msgs {
				info.LastID = max(info.LastID, id)
			}
		}
		info.Members = slices.Clone(info.Members)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
