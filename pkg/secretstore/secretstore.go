package secretstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store holds settlement secrets (the relay signer mnemonic) in a Badger
// database, encrypted at rest when an encryption key is provided.
type Store struct {
	db *badger.DB
}

const relayMnemonicKey = "relay/mnemonic"

// Open opens (or creates) the store at path. key must be 16, 24 or 32 bytes;
// nil opens the store unencrypted, which is only acceptable in tests.
func Open(path string, key []byte) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if len(key) > 0 {
		opts = opts.
			WithEncryptionKey(key).
			WithIndexCacheSize(16 << 20) // badger requires an index cache with encryption
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("secretstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// KeyFromEnv decodes a hex-encoded encryption key from the named env var.
// Returns nil when unset.
func KeyFromEnv(name string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("secretstore: %s is not valid hex: %w", name, err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("secretstore: %s must decode to 16, 24 or 32 bytes, got %d", name, len(key))
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RelayMnemonic returns the stored relay signer mnemonic.
func (s *Store) RelayMnemonic() (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(relayMnemonicKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", errors.New("secretstore: relay mnemonic not set")
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

// SetRelayMnemonic stores the relay signer mnemonic.
func (s *Store) SetRelayMnemonic(mnemonic string) error {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return errors.New("secretstore: mnemonic is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(relayMnemonicKey), []byte(mnemonic))
	})
}
