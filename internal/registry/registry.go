// Package registry persists completed pairings. The whole mapping is written
// on every change, so every mutation runs under the registry lock.
package registry

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/securestore"
)

var (
	ErrPersistence = errors.New("registry persistence failure")
	ErrInvalidKey  = errors.New("invalid registry key")
)

// Record binds a local key to the remote key that proved possession of it.
// PublicKey is the remote key and is not derived from PrivateKey.
type Record struct {
	PrivateKey codec.HexBytes `json:"privateKey"`
	PublicKey  codec.HexBytes `json:"publicKey"`
	Metadata   codec.Metadata `json:"metadata"`
}

func (r Record) LocalPublicKey() ([]byte, error) {
	priv, err := r.Signer()
	if err != nil {
		return nil, err
	}
	return identity.PublicKeyBytes(priv), nil
}

func (r Record) Signer() (*ecdsa.PrivateKey, error) {
	return identity.ParsePrivateKey(r.PrivateKey)
}

func (r Record) clone() Record {
	return Record{
		PrivateKey: append(codec.HexBytes(nil), r.PrivateKey...),
		PublicKey:  append(codec.HexBytes(nil), r.PublicKey...),
		Metadata:   r.Metadata.Clone(),
	}
}

type Entry struct {
	LocalPublicKey string
	Record         Record
}

type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	path    string
	sealer  securestore.Sealer
	logger  *slog.Logger
}

func New() *Registry {
	return &Registry{records: make(map[string]Record), logger: slog.Default()}
}

// Load opens the registry file at path. A missing or unreadable file yields
// an empty registry: startup never blocks on absent state.
func Load(path, passphrase string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		records: make(map[string]Record),
		path:    strings.TrimSpace(path),
		sealer:  securestore.NewSealer(passphrase),
		logger:  logger,
	}
	if r.path == "" {
		return r
	}
	records, err := r.readLocked()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("registry file unreadable, starting empty", "component", "registry", "path", r.path, "error", err.Error())
		}
		return r
	}
	r.records = records
	return r
}

func (r *Registry) readLocked() (map[string]Record, error) {
	data, err := r.sealer.ReadFile(r.path)
	if err != nil && !errors.Is(err, securestore.ErrPlaintext) {
		return nil, err
	}
	out := make(map[string]Record)
	if len(data) == 0 {
		return out, nil
	}
	var parsed map[string]Record
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	for key, rec := range parsed {
		canonical, err := canonicalKey(key)
		if err != nil || len(rec.PrivateKey) == 0 || len(rec.PublicKey) == 0 {
			r.logger.Warn("skipping malformed registry entry", "component", "registry", "local_public_key", key)
			continue
		}
		out[canonical] = rec
	}
	return out, nil
}

func (r *Registry) Save(records map[string]Record) error {
	next := make(map[string]Record, len(records))
	for key, rec := range records {
		canonical, err := canonicalKey(key)
		if err != nil {
			return err
		}
		next[canonical] = rec.clone()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persistLocked(next); err != nil {
		return err
	}
	r.records = next
	return nil
}

func (r *Registry) persistLocked(records map[string]Record) error {
	if r.path == "" {
		return nil
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := r.sealer.WriteFile(r.path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Put stores rec under localPublicKey. The previous mapping stays active when
// the write fails.
func (r *Registry) Put(localPublicKey []byte, rec Record) error {
	key, err := canonicalKey(codec.EncodeHex(localPublicKey))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := cloneRecords(r.records)
	next[key] = rec.clone()
	if err := r.persistLocked(next); err != nil {
		return err
	}
	r.records = next
	return nil
}

func (r *Registry) Get(localPublicKey []byte) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[codec.EncodeHex(localPublicKey)]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

func (r *Registry) Contains(localPublicKey []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[codec.EncodeHex(localPublicKey)]
	return ok
}

func (r *Registry) Delete(localPublicKey []byte) (bool, error) {
	key := codec.EncodeHex(localPublicKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[key]; !ok {
		return false, nil
	}
	next := cloneRecords(r.records)
	delete(next, key)
	if err := r.persistLocked(next); err != nil {
		return false, err
	}
	r.records = next
	return true, nil
}

func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.records))
	for key, rec := range r.records {
		out = append(out, Entry{LocalPublicKey: key, Record: rec.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPublicKey < out[j].LocalPublicKey })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func canonicalKey(hexKey string) (string, error) {
	b, err := identity.ParsePublicKeyHex(strings.TrimSpace(hexKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return codec.EncodeHex(b), nil
}

func cloneRecords(in map[string]Record) map[string]Record {
	out := make(map[string]Record, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
