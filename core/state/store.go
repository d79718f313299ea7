package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"guardflow/storage"
)

// ErrEmptyKey is returned for a nil or empty key.
var ErrEmptyKey = errors.New("state: key must not be empty")

// Store keeps RLP encoded values in a storage.Database. Keys are namespaced
// and hashed, so the engine snapshot key cannot collide with raw writes.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func kvKey(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return ethcrypto.Keccak256([]byte("kv:"), key), nil
}

// KVPut RLP-encodes value and stores it under key.
func (s *Store) KVPut(key []byte, value interface{}) error {
	k, err := kvKey(key)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return s.db.Put(k, encoded)
}

// KVGet decodes the value under key into out, which may be nil to only test
// presence. It reports false for a missing or empty value.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	k, err := kvKey(key)
	if err != nil {
		return false, err
	}
	data, err := s.db.Get(k)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	case len(data) == 0:
		return false, nil
	case out == nil:
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVHas reports whether a value is stored under key without decoding it.
func (s *Store) KVHas(key []byte) (bool, error) {
	k, err := kvKey(key)
	if err != nil {
		return false, err
	}
	return s.db.Has(k)
}

func (s *Store) KVDelete(key []byte) error {
	k, err := kvKey(key)
	if err != nil {
		return err
	}
	return s.db.Delete(k)
}
