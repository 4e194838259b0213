// Package counter implements anti-replay counters on top of a versioned
// table. A counter only moves forward: every increment is durably stored
// before the new value is returned, and each stored record carries a keyed
// MAC so that a record swapped in from another counter is rejected.
//
// Rolling a counter back to one of its own older records is prevented by
// the table, which never lets an older version become current again.
package counter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"pltd/internal/logging"
	"pltd/internal/store"
	"pltd/internal/table"
)

var (
	// ErrNotFound matches table.ErrKeyNotFound as well.
	ErrNotFound  = fmt.Errorf("counter not found: %w", table.ErrKeyNotFound)
	ErrExists    = errors.New("counter already exists")
	ErrTampered  = errors.New("counter record failed verification")
	ErrExhausted = errors.New("counter exhausted")
)

// Service manages counters stored in a table. It is safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	tbl    store.Table
	secret []byte
	now    func() time.Time
	log    *slog.Logger
}

// New returns a counter service over tbl. secret keys the record MAC and
// must be 1 to 64 bytes long.
func New(tbl store.Table, secret []byte) (*Service, error) {
	if len(secret) == 0 || len(secret) > blake2b.Size {
		return nil, fmt.Errorf("counter secret must be 1..%d bytes, got %d", blake2b.Size, len(secret))
	}
	return &Service{
		tbl:    tbl,
		secret: append([]byte(nil), secret...),
		now:    time.Now,
		log:    logging.For("counter"),
	}, nil
}

// Create starts a new counter at zero.
func (s *Service) Create(key uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.tbl.GetValue(key)
	switch {
	case err == nil:
		return 0, ErrExists
	case !errors.Is(err, table.ErrKeyNotFound):
		return 0, err
	}
	if err := s.store(key, 0); err != nil {
		return 0, err
	}
	s.log.Info("counter created", logging.Key(key))
	return 0, nil
}

// Increment advances the counter by one and returns the new value once it
// is durable.
func (s *Service) Increment(key uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(key)
	if err != nil {
		return 0, err
	}
	if r.value == math.MaxUint64 {
		return 0, ErrExhausted
	}
	next := r.value + 1
	if err := s.store(key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Read returns the current value of the counter.
func (s *Service) Read(key uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(key)
	if err != nil {
		return 0, err
	}
	return r.value, nil
}

// Remove deletes the counter. Removing a missing counter is not an error.
func (s *Service) Remove(key uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tbl.RemoveKey(key); err != nil {
		return err
	}
	s.log.Info("counter removed", logging.Key(key))
	return nil
}

// List returns the keys of all counters in table order.
func (s *Service) List() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tbl.GetUsedKeys()
}

func (s *Service) load(key uint64) (record, error) {
	data, err := s.tbl.GetValue(key)
	if errors.Is(err, table.ErrKeyNotFound) {
		return record{}, ErrNotFound
	}
	if err != nil {
		return record{}, err
	}
	r, err := unmarshalRecord(data)
	if err != nil {
		s.log.Error("undecodable counter record", logging.Key(key), "err", err)
		return record{}, ErrTampered
	}
	if !verify(s.secret, key, r) {
		s.log.Error("counter record MAC mismatch", logging.Key(key))
		return record{}, ErrTampered
	}
	return r, nil
}

func (s *Service) store(key, value uint64) error {
	r := record{value: value, updated: s.now().Unix()}
	mac, err := sum(s.secret, key, r)
	if err != nil {
		return err
	}
	r.mac = mac
	return s.tbl.StoreValue(key, r.marshal())
}
