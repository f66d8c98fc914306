// Package secrets holds the decrypted name/value map that a keystore file
// carries as its payload. It knows nothing about encryption or files.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxNameLen bounds secret names in bytes.
const MaxNameLen = 256

var (
	ErrNotFound    = errors.New("secret not found")
	ErrExists      = errors.New("secret already exists")
	ErrInvalidName = errors.New("invalid secret name")
)

// ErrInvalidValue rejects values the payload cannot carry unchanged.
var ErrInvalidValue = errors.New("invalid secret value")

// Entry is one named secret with its timestamps.
type Entry struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is an in-memory set of secrets keyed by name. The zero value is not
// usable; call New.
type Store struct {
	id        uuid.UUID
	createdAt time.Time
	entries   map[string]Entry
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for timestamping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store with a fresh id.
func New(opts ...Option) *Store {
	s := &Store{
		id:      uuid.New(),
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.stamp()
	return s
}

func (s *Store) stamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// ID identifies the store across saves and rekeys.
func (s *Store) ID() uuid.UUID { return s.id }

// CreatedAt is when the store was first initialised.
func (s *Store) CreatedAt() time.Time { return s.createdAt }

// Len returns the number of secrets.
func (s *Store) Len() int { return len(s.entries) }

// ValidateName checks that name can be stored.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLen)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidName)
	case strings.ContainsFunc(name, isControl):
		return fmt.Errorf("%w: control character", ErrInvalidName)
	}
	return nil
}

func isControl(r rune) bool { return r < 0x20 || r == 0x7f }

// Get returns the value stored under name.
func (s *Store) Get(name string) (string, bool) {
	e, ok := s.entries[name]
	return e.Value, ok
}

// Entry returns the full entry stored under name.
func (s *Store) Entry(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// ValidateValue checks that value survives a save and reload byte for byte.
func ValidateValue(value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidValue)
	}
	return nil
}

// Set inserts or overwrites name. CreatedAt is stamped on first insertion
// only; UpdatedAt on every call, clamped so it never precedes CreatedAt when
// the clock steps backwards.
func (s *Store) Set(name, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return fmt.Errorf("%q: %w", name, err)
	}
	now := s.stamp()
	e, ok := s.entries[name]
	if !ok {
		e = Entry{Name: name, CreatedAt: now}
	}
	e.Value = value
	e.UpdatedAt = now
	if e.UpdatedAt.Before(e.CreatedAt) {
		e.UpdatedAt = e.CreatedAt
	}
	s.entries[name] = e
	return nil
}

// Add inserts name and fails with ErrExists if it is already present.
func (s *Store) Add(name, value string) error {
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrExists)
	}
	return s.Set(name, value)
}

// Update overwrites an existing name and fails with ErrNotFound otherwise.
func (s *Store) Update(name, value string) error {
	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return s.Set(name, value)
}

// Remove deletes name and reports whether it was present.
func (s *Store) Remove(name string) bool {
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	return true
}

// List returns every entry sorted by name.
func (s *Store) List() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted secret names.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear drops every entry. Values are Go strings and cannot be overwritten in
// place; clearing releases the last references to them.
func (s *Store) Clear() {
	for name := range s.entries {
		delete(s.entries, name)
	}
}
