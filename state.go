package writeq

import (
	"encoding/json"
	"fmt"
)

// State is the whole persisted document: live queue, dead-letter store and
// both idempotency maps. It is always read-modify-written as one unit.
type State struct {
	Queue         []Operation       `json:"queue"`
	DLQ           []DeadLetterEntry `json:"dlq"`
	FileHashes    map[string]Stamp  `json:"file_hashes"`
	ContentHashes map[string]Stamp  `json:"content_hashes"`
}

func newState() *State {
	s := &State{}
	s.normalize()
	return s
}

func (s *State) normalize() {
	if s.Queue == nil {
		s.Queue = []Operation{}
	}
	if s.DLQ == nil {
		s.DLQ = []DeadLetterEntry{}
	}
	if s.FileHashes == nil {
		s.FileHashes = map[string]Stamp{}
	}
	if s.ContentHashes == nil {
		s.ContentHashes = map[string]Stamp{}
	}
}

func decodeState(data []byte) (*State, error) {
	s := &State{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
	}
	s.normalize()
	return s, nil
}

func encodeState(s *State) ([]byte, error) {
	if s == nil {
		s = newState()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// cloneState deep-copies through JSON so callers never share slices or maps
// with the persisted snapshot.
func cloneState(s *State) (*State, error) {
	data, err := encodeState(s)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}
