package secrets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PayloadVersion is the layout version of the serialized store.
const PayloadVersion = 1

// ErrPayload reports a payload that decrypted fine but cannot be parsed.
var ErrPayload = errors.New("invalid secrets payload")

type payload struct {
	Version   int       `json:"version"`
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Secrets   []Entry   `json:"secrets"`
}

// Marshal serializes the store. Entries are sorted by name so equal stores
// produce identical bytes.
func (s *Store) Marshal() ([]byte, error) {
	p := payload{
		Version:   PayloadVersion,
		ID:        s.id,
		CreatedAt: s.createdAt,
		Secrets:   s.List(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}
	return data, nil
}

// Unmarshal parses a payload produced by Marshal. Parse errors match
// ErrPayload and never quote the input.
func Unmarshal(data []byte, opts ...Option) (*Store, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: malformed json", ErrPayload)
	}
	if p.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: unsupported payload version %d", ErrPayload, p.Version)
	}
	if p.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing store id", ErrPayload)
	}

	s := New(opts...)
	s.id = p.ID
	s.createdAt = p.CreatedAt.UTC()
	for i, e := range p.Secrets {
		if err := ValidateName(e.Name); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrPayload, i, err)
		}
		if _, dup := s.entries[e.Name]; dup {
			return nil, fmt.Errorf("%w: entry %d: duplicate name", ErrPayload, i)
		}
		if e.UpdatedAt.Before(e.CreatedAt) {
			return nil, fmt.Errorf("%w: entry %d: updated before created", ErrPayload, i)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		s.entries[e.Name] = e
	}
	return s, nil
}
