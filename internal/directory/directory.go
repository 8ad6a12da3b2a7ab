// Package directory looks up how to reach a user on each channel.
package directory

import (
	"context"
	"errors"
	"sync"
)

var ErrUserNotFound = errors.New("user not found")

type Contact struct {
	Email       string `json:"email,omitempty" bson:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty" bson:"phoneNumber,omitempty"`
}

type Directory interface {
	Contact(ctx context.Context, userID string) (Contact, error)
}

// Memory is a static Directory used in development and tests.
type Memory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

func NewMemory(contacts map[string]Contact) *Memory {
	m := &Memory{contacts: make(map[string]Contact, len(contacts))}
	for id, c := range contacts {
		m.contacts[id] = c
	}
	return m
}

func (m *Memory) Put(userID string, c Contact) {
	m.mu.Lock()
	m.contacts[userID] = c
	m.mu.Unlock()
}

func (m *Memory) Contact(_ context.Context, userID string) (Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[userID]
	if !ok {
		return Contact{}, ErrUserNotFound
	}
	return c, nil
}
