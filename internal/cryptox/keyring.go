package cryptox

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/cconner2023/medsync/internal/common"
	"github.com/cconner2023/medsync/internal/logging"
	"github.com/cconner2023/medsync/internal/models"
)

// KeyStore is the slice of the remote store the keyring needs: fetch and
// replace per-clinic key material.
type KeyStore interface {
	FetchClinicKey(ctx context.Context, clinicID string) (string, error)
	StoreClinicKey(ctx context.Context, clinicID, encoded string) error
}

const memCacheSize = 64

// Keyring resolves clinic keys through three levels: an in-memory LRU of
// imported handles, the persistent KeyCache, and finally the remote store.
// Concurrent resolutions of the same clinic collapse into one fetch+import,
// so two callers can never end up with divergent cached handles.
type Keyring struct {
	remote KeyStore
	cache  *KeyCache
	mem    *lru.Cache[string, *KeyHandle]
	sf     singleflight.Group
	log    logging.Logger
}

// NewKeyring builds a keyring. cache may be nil, in which case keys are
// only held in memory for the session.
func NewKeyring(remote KeyStore, cache *KeyCache, log logging.Logger) (*Keyring, error) {
	if log == nil {
		log = logging.Default()
	}
	mem, err := lru.New[string, *KeyHandle](memCacheSize)
	if err != nil {
		return nil, err
	}
	return &Keyring{remote: remote, cache: cache, mem: mem, log: log}, nil
}

// ClinicKey returns the key handle for a clinic, resolving through the
// cache levels. It returns common.ErrKeyUnavailable when the key cannot be
// obtained (offline and never cached); callers are expected to degrade
// gracefully rather than fail the write.
func (k *Keyring) ClinicKey(ctx context.Context, clinicID string) (*KeyHandle, error) {
	if clinicID == "" {
		return nil, common.ErrKeyUnavailable
	}
	if h, ok := k.mem.Get(clinicID); ok {
		return h, nil
	}

	v, err, _ := k.sf.Do(clinicID, func() (any, error) {
		// re-check under singleflight: a concurrent resolve may have won
		if h, ok := k.mem.Get(clinicID); ok {
			return h, nil
		}
		return k.resolve(ctx, clinicID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyHandle), nil
}

func (k *Keyring) resolve(ctx context.Context, clinicID string) (*KeyHandle, error) {
	if k.cache != nil {
		encoded, ok, err := k.cache.Get(clinicID)
		if err != nil {
			k.log.Warn(ctx, "key cache read failed", "clinic_id", clinicID, "error", err)
		} else if ok {
			h, err := ImportKeyBase64(encoded)
			if err != nil {
				return nil, fmt.Errorf("cached key for clinic %s: %w", clinicID, err)
			}
			k.mem.Add(clinicID, h)
			return h, nil
		}
	}

	encoded, err := k.remote.FetchClinicKey(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyUnavailable, err)
	}
	if encoded == "" {
		return nil, common.ErrKeyUnavailable
	}

	h, err := ImportKeyBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("fetched key for clinic %s: %w", clinicID, err)
	}

	if k.cache != nil {
		if err := k.cache.Put(clinicID, encoded); err != nil {
			k.log.Warn(ctx, "key cache write failed", "clinic_id", clinicID, "error", err)
		}
	}
	k.mem.Add(clinicID, h)
	return h, nil
}

// KeyForNote resolves the key protecting a note via its effective clinic.
func (k *Keyring) KeyForNote(ctx context.Context, n *models.Note) (*KeyHandle, error) {
	return k.ClinicKey(ctx, n.EffectiveClinicID())
}

// EncryptNote envelopes every sensitive field of n in place. When no key is
// obtainable the note is left as plaintext and the write proceeds; the
// fields will be protected once a key becomes available.
func (k *Keyring) EncryptNote(ctx context.Context, n *models.Note) error {
	h, err := k.KeyForNote(ctx, n)
	if errors.Is(err, common.ErrKeyUnavailable) {
		k.log.Warn(ctx, "clinic key unavailable, storing plaintext",
			"note_id", n.ID, "clinic_id", n.EffectiveClinicID())
		return nil
	}
	if err != nil {
		return err
	}

	for name, field := range n.SensitiveFields() {
		sealed, err := h.EncryptField(*field)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", name, err)
		}
		*field = sealed
	}
	return nil
}

// DecryptNote opens every enveloped sensitive field of n in place. A field
// that fails to decrypt is left as-is and logged; one bad field never
// aborts the rest of the record.
func (k *Keyring) DecryptNote(ctx context.Context, n *models.Note) {
	h, err := k.KeyForNote(ctx, n)
	if err != nil {
		if !errors.Is(err, common.ErrKeyUnavailable) {
			k.log.Warn(ctx, "key resolution failed", "note_id", n.ID, "error", err)
		}
		return
	}

	for name, field := range n.SensitiveFields() {
		plain, err := h.DecryptField(*field)
		if err != nil {
			k.log.Warn(ctx, "field decryption failed",
				"note_id", n.ID, "field", name, "error", err)
			continue
		}
		*field = plain
	}
}

// Rotate replaces a clinic's stored key and the local cache entries.
// Existing ciphertext is not rewritten; use ReencryptNote for that.
func (k *Keyring) Rotate(ctx context.Context, clinicID, encoded string) error {
	h, err := ImportKeyBase64(encoded)
	if err != nil {
		return err
	}
	if err := k.remote.StoreClinicKey(ctx, clinicID, encoded); err != nil {
		return fmt.Errorf("store rotated key: %w", err)
	}
	if k.cache != nil {
		if err := k.cache.Put(clinicID, encoded); err != nil {
			return fmt.Errorf("cache rotated key: %w", err)
		}
	}
	k.mem.Add(clinicID, h)
	return nil
}

// ReencryptNote rewrites a note's sensitive fields from oldKey to newKey.
// It is the explicit batch-rotation primitive: decrypt under the old
// handle, encrypt under the new one.
func ReencryptNote(oldKey, newKey *KeyHandle, n *models.Note) error {
	for name, field := range n.SensitiveFields() {
		plain, err := oldKey.DecryptField(*field)
		if err != nil {
			return fmt.Errorf("reencrypt %s: %w", name, err)
		}
		sealed, err := newKey.EncryptField(plain)
		if err != nil {
			return fmt.Errorf("reencrypt %s: %w", name, err)
		}
		*field = sealed
	}
	return nil
}

// Purge drops every cached key handle, memory and persistent. Called on
// sign-out.
func (k *Keyring) Purge() error {
	k.mem.Purge()
	if k.cache != nil {
		return k.cache.PurgeAll()
	}
	return nil
}
