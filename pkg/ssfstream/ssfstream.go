// Package ssfstream manages Shared Signals Framework (SSF) stream
// subscriptions: the receivers registered to be notified of certification
// and freshness events for a scope. Stream state lives behind the same
// Store-interface-plus-MemoryStore shape pkg/store uses for keys and log
// entries.
package ssfstream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// EventType identifies the SET event types a stream may subscribe to.
const (
	EventCertificationStatusChanged = "https://schemas.corsairtrust.io/secevent/certification-status-changed"
	EventFreshnessStale             = "https://schemas.corsairtrust.io/secevent/freshness-stale"
)

// Stream is one registered SSF delivery target.
type Stream struct {
	ID          string    `json:"id"`
	Aud         string    `json:"aud"`
	Delivery    Delivery  `json:"delivery"`
	EventsWant  []string  `json:"eventsRequested"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Delivery describes how events are pushed to the stream's receiver.
type Delivery struct {
	Method   string `json:"method"` // "push" (SET over HTTP POST)
	Endpoint string `json:"endpointUrl"`
}

// Store persists stream registrations.
type Store interface {
	Put(ctx context.Context, s Stream) error
	Get(ctx context.Context, id string) (*Stream, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Stream, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]Stream
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]Stream)}
}

func (s *MemoryStore) Put(_ context.Context, st Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.ID] = st
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "ssf stream not found").WithDetails(id)
	}
	return &st, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[id]; !ok {
		return apperrors.New(apperrors.KindNotFound, "ssf stream not found").WithDetails(id)
	}
	delete(s.streams, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out, nil
}

// Manager validates and mutates stream registrations on top of a Store.
type Manager struct {
	store Store
}

func New(store Store) *Manager {
	return &Manager{store: store}
}

// CreateInput is the body of a stream registration request.
type CreateInput struct {
	Aud             string   `json:"aud"`
	EndpointURL     string   `json:"endpointUrl"`
	EventsRequested []string `json:"eventsRequested"`
	Description     string   `json:"description,omitempty"`
}

// Create registers a new stream. At least one known event type must be
// requested, and the delivery endpoint must be non-empty.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Stream, error) {
	if in.Aud == "" {
		return nil, apperrors.New(apperrors.KindValidation, "aud is required")
	}
	if in.EndpointURL == "" {
		return nil, apperrors.New(apperrors.KindValidation, "endpointUrl is required")
	}
	if len(in.EventsRequested) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "eventsRequested must list at least one event type")
	}
	for _, e := range in.EventsRequested {
		if e != EventCertificationStatusChanged && e != EventFreshnessStale {
			return nil, apperrors.New(apperrors.KindValidation, "unknown event type").WithDetails(e)
		}
	}

	now := time.Now().UTC()
	stream := Stream{
		ID:          uuid.NewString(),
		Aud:         in.Aud,
		Delivery:    Delivery{Method: "push", Endpoint: in.EndpointURL},
		EventsWant:  in.EventsRequested,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Put(ctx, stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

// UpdateInput patches an existing stream's mutable fields. Zero-value
// fields are left unchanged.
type UpdateInput struct {
	EndpointURL     string   `json:"endpointUrl,omitempty"`
	EventsRequested []string `json:"eventsRequested,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// Update patches the stream identified by id.
func (m *Manager) Update(ctx context.Context, id string, in UpdateInput) (*Stream, error) {
	stream, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.EndpointURL != "" {
		stream.Delivery.Endpoint = in.EndpointURL
	}
	if len(in.EventsRequested) > 0 {
		stream.EventsWant = in.EventsRequested
	}
	if in.Description != "" {
		stream.Description = in.Description
	}
	stream.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(ctx, *stream); err != nil {
		return nil, err
	}
	return stream, nil
}

// Delete removes the stream identified by id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Get returns the stream identified by id.
func (m *Manager) Get(ctx context.Context, id string) (*Stream, error) {
	return m.store.Get(ctx, id)
}

// List returns every registered stream.
func (m *Manager) List(ctx context.Context) ([]Stream, error) {
	return m.store.List(ctx)
}
