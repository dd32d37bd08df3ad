package olm

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const pickleVersion = 1

// ErrWrongPassphrase is returned when a pickle cannot be opened, either
// because the passphrase is wrong or the blob was corrupted.
var ErrWrongPassphrase = errors.New("olm: wrong passphrase or corrupted pickle")

// pickleEnvelope is the at-rest form: KDF parameters plus ciphertext.
type pickleEnvelope struct {
	Version int    `cbor:"v"`
	Salt    []byte `cbor:"salt"`
	N       int    `cbor:"n"`
	R       int    `cbor:"r"`
	P       int    `cbor:"p"`
	Cipher  []byte `cbor:"cipher"`
}

func scryptParams() (N, r, p int) { return 1 << 15, 8, 1 }

// Pickle serializes v and encrypts it under a passphrase-derived key.
// Accounts and all session types pickle this way for the store snapshot.
func Pickle(v any, passphrase string) ([]byte, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("olm: pickle encode: %w", err)
	}
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("olm: pickle salt: %w", err)
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("olm: pickle key derivation: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	// Zero nonce: the key is bound to a fresh random salt per pickle.
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ct := aead.Seal(nil, nonce, raw, salt[:])
	return cbor.Marshal(pickleEnvelope{
		Version: pickleVersion,
		Salt:    salt[:],
		N:       N,
		R:       r,
		P:       p,
		Cipher:  ct,
	})
}

// Unpickle decrypts and decodes a blob produced by Pickle into v.
func Unpickle(data []byte, passphrase string, v any) error {
	var env pickleEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("olm: pickle envelope: %w", err)
	}
	if env.Version > pickleVersion {
		return fmt.Errorf("olm: unsupported pickle version %d", env.Version)
	}
	key, err := scrypt.Key([]byte(passphrase), env.Salt, env.N, env.R, env.P, chacha20poly1305.KeySize)
	if err != nil {
		return fmt.Errorf("olm: pickle key derivation: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	raw, err := aead.Open(nil, nonce, env.Cipher, env.Salt)
	if err != nil {
		return ErrWrongPassphrase
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("olm: pickle decode: %w", err)
	}
	return nil
}
