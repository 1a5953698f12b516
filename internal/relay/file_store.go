package relay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/listhit/listsync/internal/wire"
)

type filePendingStore struct {
	path    string
	mu      sync.Mutex
	records map[string][]PendingRecord
}

type filePendingState struct {
	Records map[string][]PendingRecord `json:"records"`
}

// NewFilePendingStore returns a PendingStore backed by a JSON file,
// rewritten atomically on every mutation and reloaded on open.
func NewFilePendingStore(path string) (PendingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &filePendingStore{
		path:    path,
		records: map[string][]PendingRecord{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *filePendingStore) Persist(recipients []string, sender string, envelope wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	appended := map[string]int{}
	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		s.records[recipient] = append(s.records[recipient], PendingRecord{
			Recipient: recipient,
			Sender:    sender,
			Envelope:  envelope,
		})
		appended[recipient]++
	}
	if len(appended) == 0 {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		for recipient, count := range appended {
			kept := s.records[recipient]
			s.records[recipient] = kept[:len(kept)-count]
		}
		return err
	}
	return nil
}

func (s *filePendingStore) Drain(identity string) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.records[identity]
	if !ok {
		return nil, nil
	}
	delete(s.records, identity)
	if err := s.saveLocked(); err != nil {
		s.records[identity] = records
		return nil, err
	}
	return records, nil
}

func (s *filePendingStore) Peek(identity string) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingRecord(nil), s.records[identity]...), nil
}

func (s *filePendingStore) Clear(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.records[identity]
	if !ok {
		return nil
	}
	delete(s.records, identity)
	if err := s.saveLocked(); err != nil {
		s.records[identity] = records
		return err
	}
	return nil
}

func (s *filePendingStore) Close() error {
	return nil
}

func (s *filePendingStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot filePendingState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Records != nil {
		s.records = snapshot.Records
	}
	return nil
}

func (s *filePendingStore) saveLocked() error {
	snapshot := filePendingState{Records: s.records}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

type fileMembershipStore struct {
	path  string
	mu    sync.Mutex
	lists map[string][]string
}

type fileMembershipState struct {
	Lists map[string][]string `json:"lists"`
}

// NewFileMembershipStore returns a MembershipStore backed by a JSON file.
func NewFileMembershipStore(path string) (MembershipStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileMembershipStore{
		path:  path,
		lists: map[string][]string{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileMembershipStore) AddMembers(listID string, identities []string) error {
	if listID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := append([]string(nil), s.lists[listID]...)
	members := s.lists[listID]
	changed := false
	for _, identity := range identities {
		if identity == "" || containsString(members, identity) {
			continue
		}
		members = append(members, identity)
		changed = true
	}
	if !changed {
		return nil
	}
	s.lists[listID] = members
	if err := s.saveLocked(); err != nil {
		s.lists[listID] = previous
		return err
	}
	return nil
}

func (s *fileMembershipStore) Members(listID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[listID]...), nil
}

func (s *fileMembershipStore) RemoveList(listID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.lists[listID]
	if !ok {
		return nil
	}
	delete(s.lists, listID)
	if err := s.saveLocked(); err != nil {
		s.lists[listID] = members
		return err
	}
	return nil
}

func (s *fileMembershipStore) Close() error {
	return nil
}

func (s *fileMembershipStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileMembershipState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Lists != nil {
		s.lists = snapshot.Lists
	}
	return nil
}

func (s *fileMembershipStore) saveLocked() error {
	snapshot := fileMembershipState{Lists: s.lists}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
