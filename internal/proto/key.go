// ABOUTME: Private key payloads carried by add-identity requests.
// ABOUTME: Algorithm-specific field layouts for RSA, ECDSA, and Ed25519 keys.

package proto

import (
	"math/big"
	"strings"

	"github.com/2389/keywarden/internal/wire"
)

// Key algorithm names as they appear on the wire.
const (
	AlgoRSA         = "ssh-rsa"
	AlgoEd25519     = "ssh-ed25519"
	algoECDSAPrefix = "ecdsa-sha2-"
)

// PrivateKey is the algorithm-tagged private key payload of an add-identity
// request. The core transports it; interpreting the material is the
// backend's concern.
type PrivateKey interface {
	// Algorithm returns the wire algorithm name (e.g. "ssh-rsa").
	Algorithm() string

	encodeKey(w *wire.Writer)
}

// RSAPrivateKey holds the RSA field layout: n, e, d, iqmp, p, q as mpints.
type RSAPrivateKey struct {
	N    *big.Int
	E    *big.Int
	D    *big.Int
	IQMP *big.Int
	P    *big.Int
	Q    *big.Int
}

func (*RSAPrivateKey) Algorithm() string { return AlgoRSA }

func (k *RSAPrivateKey) encodeKey(w *wire.Writer) {
	w.WriteBigInt(k.N)
	w.WriteBigInt(k.E)
	w.WriteBigInt(k.D)
	w.WriteBigInt(k.IQMP)
	w.WriteBigInt(k.P)
	w.WriteBigInt(k.Q)
}

// ECDSAPrivateKey holds the ECDSA field layout: curve name, uncompressed
// public point, and the private scalar.
type ECDSAPrivateKey struct {
	Curve  string // e.g. "nistp256"
	Public []byte // SEC1 point encoding
	D      *big.Int
}

func (k *ECDSAPrivateKey) Algorithm() string { return algoECDSAPrefix + k.Curve }

func (k *ECDSAPrivateKey) encodeKey(w *wire.Writer) {
	w.WriteString([]byte(k.Curve))
	w.WriteString(k.Public)
	w.WriteBigInt(k.D)
}

// Ed25519PrivateKey holds the Ed25519 field layout: the 32-byte public key
// and the 64-byte private half (seed concatenated with the public key).
type Ed25519PrivateKey struct {
	Public  []byte
	Private []byte
}

func (*Ed25519PrivateKey) Algorithm() string { return AlgoEd25519 }

func (k *Ed25519PrivateKey) encodeKey(w *wire.Writer) {
	w.WriteString(k.Public)
	w.WriteString(k.Private)
}

// decodePrivateKey reads the algorithm name and the matching field layout.
func decodePrivateKey(r *wire.Reader) (PrivateKey, error) {
	algo, err := r.ReadString("key algorithm")
	if err != nil {
		return nil, err
	}

	switch name := string(algo); {
	case name == AlgoRSA:
		return decodeRSAKey(r)
	case name == AlgoEd25519:
		return decodeEd25519Key(r)
	case strings.HasPrefix(name, algoECDSAPrefix):
		return decodeECDSAKey(r, strings.TrimPrefix(name, algoECDSAPrefix))
	default:
		return nil, &wire.DecodeError{Kind: wire.InvalidDiscriminant, Field: "key algorithm"}
	}
}

func decodeRSAKey(r *wire.Reader) (PrivateKey, error) {
	key := &RSAPrivateKey{}
	fields := []struct {
		name string
		dst  **big.Int
	}{
		{"rsa n", &key.N},
		{"rsa e", &key.E},
		{"rsa d", &key.D},
		{"rsa iqmp", &key.IQMP},
		{"rsa p", &key.P},
		{"rsa q", &key.Q},
	}
	for _, f := range fields {
		v, err := r.ReadBigInt(f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return key, nil
}

func decodeECDSAKey(r *wire.Reader, curveFromAlgo string) (PrivateKey, error) {
	curve, err := r.ReadString("ecdsa curve")
	if err != nil {
		return nil, err
	}
	// The curve appears twice: in the algorithm name and as its own field.
	if string(curve) != curveFromAlgo {
		return nil, &wire.DecodeError{Kind: wire.InvalidDiscriminant, Field: "ecdsa curve"}
	}
	public, err := r.ReadString("ecdsa public point")
	if err != nil {
		return nil, err
	}
	d, err := r.ReadBigInt("ecdsa d")
	if err != nil {
		return nil, err
	}
	return &ECDSAPrivateKey{Curve: string(curve), Public: public, D: d}, nil
}

func decodeEd25519Key(r *wire.Reader) (PrivateKey, error) {
	public, err := r.ReadString("ed25519 public key")
	if err != nil {
		return nil, err
	}
	private, err := r.ReadString("ed25519 private key")
	if err != nil {
		return nil, err
	}
	return &Ed25519PrivateKey{Public: public, Private: private}, nil
}

// encodePrivateKey writes the algorithm name followed by the key fields.
func encodePrivateKey(w *wire.Writer, key PrivateKey) {
	w.WriteString([]byte(key.Algorithm()))
	key.encodeKey(w)
}
