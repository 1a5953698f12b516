package relay

import (
	"sync"

	"github.com/listhit/listsync/internal/wire"
)

// PendingRecord is one queued delivery for a recipient that could not
// be reached at dispatch time. Records are deleted only when the caller
// of Drain has taken ownership of them.
type PendingRecord struct {
	Recipient string        `json:"recipient"`
	Sender    string        `json:"sender"`
	Envelope  wire.Envelope `json:"envelope"`
}

// PendingStore is the store-and-forward persistor. Duplicate envelopes
// are acceptable (at-least-once); the applier's idempotence on the
// receiving device is the correctness backstop.
type PendingStore interface {
	// Persist appends one record per recipient.
	Persist(recipients []string, sender string, envelope wire.Envelope) error
	// Drain returns and permanently removes all records for the
	// identity, oldest first, as a single atomic step.
	Drain(identity string) ([]PendingRecord, error)
	// Peek returns the identity's records without removing them.
	Peek(identity string) ([]PendingRecord, error)
	// Clear removes all records for the identity.
	Clear(identity string) error
	Close() error
}

// MembershipStore records which identities share each list. The relay
// owns recipient resolution: devices only know whether a list is
// shared, never who else is on it.
type MembershipStore interface {
	AddMembers(listID string, identities []string) error
	Members(listID string) ([]string, error)
	RemoveList(listID string) error
	Close() error
}

type memoryPendingStore struct {
	mu      sync.Mutex
	records map[string][]PendingRecord
}

// NewMemoryPendingStore returns a PendingStore held entirely in memory.
func NewMemoryPendingStore() PendingStore {
	return &memoryPendingStore{records: map[string][]PendingRecord{}}
}

func (s *memoryPendingStore) Persist(recipients []string, sender string, envelope wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		s.records[recipient] = append(s.records[recipient], PendingRecord{
			Recipient: recipient,
			Sender:    sender,
			Envelope:  envelope,
		})
	}
	return nil
}

func (s *memoryPendingStore) Drain(identity string) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.records[identity]
	delete(s.records, identity)
	return records, nil
}

func (s *memoryPendingStore) Peek(identity string) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingRecord(nil), s.records[identity]...), nil
}

func (s *memoryPendingStore) Clear(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, identity)
	return nil
}

func (s *memoryPendingStore) Close() error {
	return nil
}

type memoryMembershipStore struct {
	mu    sync.Mutex
	lists map[string][]string
}

// NewMemoryMembershipStore returns a MembershipStore held entirely in memory.
func NewMemoryMembershipStore() MembershipStore {
	return &memoryMembershipStore{lists: map[string][]string{}}
}

func (s *memoryMembershipStore) AddMembers(listID string, identities []string) error {
	if listID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.lists[listID]
	for _, identity := range identities {
		if identity == "" || containsString(members, identity) {
			continue
		}
		members = append(members, identity)
	}
	s.lists[listID] = members
	return nil
}

func (s *memoryMembershipStore) Members(listID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[listID]...), nil
}

func (s *memoryMembershipStore) RemoveList(listID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, listID)
	return nil
}

func (s *memoryMembershipStore) Close() error {
	return nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
