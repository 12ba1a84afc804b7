// ABOUTME: In-memory reference backend holding private keys for the agent core.
// ABOUTME: Implements add/remove, lifetime expiry, lock/unlock, signing, and the query extension.

package backend

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/keywarden/internal/proto"
	"github.com/2389/keywarden/internal/wire"
)

// sweepInterval is how often the background sweeper drops expired keys.
// Expiry is also enforced on every access, so this only bounds how long
// dead key material lingers in memory.
const sweepInterval = 30 * time.Second

// ExtQuery is the extension that lists the extensions an agent supports.
const ExtQuery = "query"

// storedKey is one held private key with its usage metadata.
type storedKey struct {
	signer    ssh.Signer
	blob      []byte
	comment   string
	expiresAt time.Time // zero means no lifetime constraint
	confirm   bool
}

// Keystore is an in-memory key store implementing every optional capability
// of the backend contract. Keys live only in process memory; persistence is
// deliberately out of scope.
//
// Keystore serializes internally and advertises ConcurrencySafe, so the
// supervisor invokes it from connection goroutines without an outer mutex.
type Keystore struct {
	mu     sync.Mutex
	keys   map[string]*storedKey
	order  []string // insertion order; List must be stable
	locked []byte   // passphrase digest while locked, nil when unlocked
	logger *slog.Logger

	now    func() time.Time
	done   chan struct{}
	closed bool
}

// NewKeystore creates an empty keystore and starts its expiry sweeper.
// Call Close to stop the sweeper.
func NewKeystore(logger *slog.Logger) *Keystore {
	k := &Keystore{
		keys:   make(map[string]*storedKey),
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go k.sweep()
	return k
}

// ConcurrencySafe reports that the keystore guards its own state.
func (k *Keystore) ConcurrencySafe() bool { return true }

// Close stops the background sweeper. Safe to call multiple times.
func (k *Keystore) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.closed {
		close(k.done)
		k.closed = true
	}
}

// List returns the held identities in insertion order. A locked agent
// reveals nothing and returns an empty list, matching OpenSSH.
func (k *Keystore) List(ctx context.Context) ([]proto.Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked != nil {
		return nil, nil
	}
	k.expireLocked()

	ids := make([]proto.Identity, 0, len(k.order))
	for _, blob := range k.order {
		key := k.keys[blob]
		ids = append(ids, proto.Identity{KeyBlob: key.blob, Comment: key.comment})
	}
	return ids, nil
}

// Sign signs req.Data with the key matching req.KeyBlob.
func (k *Keystore) Sign(ctx context.Context, req *proto.SignRequest) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked != nil {
		return nil, ErrLocked
	}
	k.expireLocked()

	key, ok := k.keys[string(req.KeyBlob)]
	if !ok {
		return nil, ErrKeyNotFound
	}

	var (
		sig *ssh.Signature
		err error
	)
	switch {
	case req.Flags&proto.SignFlagRSASHA256 != 0:
		sig, err = signWithAlgorithm(key.signer, req.Data, ssh.KeyAlgoRSASHA256)
	case req.Flags&proto.SignFlagRSASHA512 != 0:
		sig, err = signWithAlgorithm(key.signer, req.Data, ssh.KeyAlgoRSASHA512)
	default:
		sig, err = key.signer.Sign(rand.Reader, req.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("signing with %s: %w", key.signer.PublicKey().Type(), err)
	}
	return ssh.Marshal(sig), nil
}

// signWithAlgorithm signs with an explicit algorithm variant, for the
// RSA-SHA2 flags.
func signWithAlgorithm(signer ssh.Signer, data []byte, algo string) (*ssh.Signature, error) {
	algoSigner, ok := signer.(ssh.AlgorithmSigner)
	if !ok {
		return nil, fmt.Errorf("key type %s cannot sign with %s", signer.PublicKey().Type(), algo)
	}
	return algoSigner.SignWithAlgorithm(rand.Reader, data, algo)
}

// Add converts the decoded private key material into a signer and stores it
// under its public key blob. Re-adding a key replaces its metadata.
func (k *Keystore) Add(ctx context.Context, key proto.PrivateKey, comment string, constraints []proto.Constraint) error {
	signer, err := signerFromProto(key)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked != nil {
		return ErrLocked
	}

	stored := &storedKey{
		signer:  signer,
		blob:    signer.PublicKey().Marshal(),
		comment: comment,
	}
	for _, c := range constraints {
		switch c := c.(type) {
		case proto.LifetimeConstraint:
			stored.expiresAt = k.now().Add(time.Duration(c.Seconds) * time.Second)
		case proto.ConfirmConstraint:
			// Recorded but not enforced; there is no confirmation UI here.
			stored.confirm = true
		default:
			k.logger.Warn("ignoring unrecognized key constraint", "key_type", signer.PublicKey().Type())
		}
	}

	id := string(stored.blob)
	if _, exists := k.keys[id]; !exists {
		k.order = append(k.order, id)
	}
	k.keys[id] = stored
	k.logger.Info("key added",
		"key_type", signer.PublicKey().Type(),
		"comment", comment,
		"expires", !stored.expiresAt.IsZero(),
	)
	return nil
}

// Remove drops the key identified by keyBlob.
func (k *Keystore) Remove(ctx context.Context, keyBlob []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked != nil {
		return ErrLocked
	}

	id := string(keyBlob)
	if _, ok := k.keys[id]; !ok {
		return ErrKeyNotFound
	}
	k.removeLocked(id)
	k.logger.Info("key removed")
	return nil
}

// RemoveAll drops every held key.
func (k *Keystore) RemoveAll(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked != nil {
		return ErrLocked
	}

	n := len(k.keys)
	k.keys = make(map[string]*storedKey)
	k.order = nil
	k.logger.Info("all keys removed", "count", n)
	return nil
}

// Lock locks the keystore under a digest of the passphrase.
func (k *Keystore) Lock(ctx context.Context, passphrase []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked != nil {
		return ErrLocked
	}
	digest := sha256.Sum256(passphrase)
	k.locked = digest[:]
	k.logger.Info("agent locked")
	return nil
}

// Unlock unlocks the keystore if the passphrase matches. The comparison is
// constant time.
func (k *Keystore) Unlock(ctx context.Context, passphrase []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked == nil {
		return fmt.Errorf("agent is not locked")
	}
	digest := sha256.Sum256(passphrase)
	if subtle.ConstantTimeCompare(digest[:], k.locked) != 1 {
		return fmt.Errorf("incorrect passphrase")
	}
	k.locked = nil
	k.logger.Info("agent unlocked")
	return nil
}

// Extension implements the query extension, answering with the supported
// extension names. Anything else is ErrUnsupported.
func (k *Keystore) Extension(ctx context.Context, name string, payload []byte) ([]byte, error) {
	if name != ExtQuery {
		return nil, ErrUnsupported
	}
	var w wire.Writer
	w.WriteString([]byte(ExtQuery))
	return w.Bytes(), nil
}

// removeLocked deletes one key. Must be called with mu held.
func (k *Keystore) removeLocked(id string) {
	delete(k.keys, id)
	for i, o := range k.order {
		if o == id {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
}

// expireLocked drops keys whose lifetime constraint has passed. Must be
// called with mu held.
func (k *Keystore) expireLocked() {
	now := k.now()
	for id, key := range k.keys {
		if !key.expiresAt.IsZero() && now.After(key.expiresAt) {
			k.removeLocked(id)
			k.logger.Info("key expired", "key_type", key.signer.PublicKey().Type())
		}
	}
}

// sweep periodically expires keys so constrained material does not outlive
// its lifetime just because no request arrives.
func (k *Keystore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.mu.Lock()
			if k.locked == nil {
				k.expireLocked()
			}
			k.mu.Unlock()
		case <-k.done:
			return
		}
	}
}

// signerFromProto builds an ssh.Signer from decoded add-identity material.
func signerFromProto(key proto.PrivateKey) (ssh.Signer, error) {
	switch key := key.(type) {
	case *proto.RSAPrivateKey:
		return rsaSigner(key)
	case *proto.ECDSAPrivateKey:
		return ecdsaSigner(key)
	case *proto.Ed25519PrivateKey:
		return ed25519Signer(key)
	default:
		return nil, fmt.Errorf("%w: key algorithm %s", ErrUnsupported, key.Algorithm())
	}
}

func rsaSigner(key *proto.RSAPrivateKey) (ssh.Signer, error) {
	if !key.E.IsInt64() || key.E.Int64() <= 0 {
		return nil, fmt.Errorf("invalid rsa exponent")
	}
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: key.N, E: int(key.E.Int64())},
		D:         key.D,
		Primes:    []*big.Int{key.P, key.Q},
	}
	priv.Precompute()
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rsa key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

func ecdsaSigner(key *proto.ECDSAPrivateKey) (ssh.Signer, error) {
	var curve elliptic.Curve
	switch key.Curve {
	case "nistp256":
		curve = elliptic.P256()
	case "nistp384":
		curve = elliptic.P384()
	case "nistp521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported ecdsa curve %q", key.Curve)
	}
	x, y := elliptic.Unmarshal(curve, key.Public)
	if x == nil {
		return nil, fmt.Errorf("invalid ecdsa public point")
	}
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         key.D,
	}
	return ssh.NewSignerFromKey(priv)
}

func ed25519Signer(key *proto.Ed25519PrivateKey) (ssh.Signer, error) {
	if len(key.Private) != ed25519.PrivateKeySize || len(key.Public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 key length")
	}
	priv := ed25519.PrivateKey(key.Private)
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), key.Public) {
		return nil, fmt.Errorf("ed25519 public key does not match private half")
	}
	return ssh.NewSignerFromKey(priv)
}
