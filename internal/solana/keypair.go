package solana

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var (
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrSignerMismatch       = errors.New("fee payer is not the configured keypair")
)

// Keypair signs swap transactions as the fee payer.
type Keypair struct {
	key solana.PrivateKey
}

// LoadKeypair reads a Solana CLI keypair file (a JSON array of 64 bytes) or a
// file holding the base58 secret key that wallets export.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("[")) {
		key, err := solana.PrivateKeyFromSolanaKeygenFileBytes(data)
		if err != nil {
			return nil, fmt.Errorf("parse keypair %s: %w", path, err)
		}
		return checked(path, key)
	}
	key, err := base58.Decode(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	return checked(path, key)
}

func checked(path string, key []byte) (*Keypair, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(key))
	}
	return NewKeypair(ed25519.PrivateKey(key)), nil
}

func NewKeypair(priv ed25519.PrivateKey) *Keypair {
	return &Keypair{key: solana.PrivateKey(priv)}
}

// PublicKey returns the base58 address.
func (k *Keypair) PublicKey() string {
	return k.key.PublicKey().String()
}

// SignTransaction signs a base64 serialized transaction (legacy or v0) whose
// fee payer is this keypair. It returns the signed transaction, base64
// encoded, and the base58 signature that identifies it on chain.
func (k *Keypair) SignTransaction(b64 string) (string, string, error) {
	tx, err := solana.TransactionFromBase64(b64)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if len(tx.Message.AccountKeys) == 0 || tx.Message.Header.NumRequiredSignatures == 0 {
		return "", "", fmt.Errorf("%w: no fee payer", ErrMalformedTransaction)
	}
	pub := k.key.PublicKey()
	if !tx.Message.AccountKeys[0].Equals(pub) {
		return "", "", ErrSignerMismatch
	}

	sigs, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &k.key
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("sign: %w", err)
	}
	signed, err := tx.ToBase64()
	if err != nil {
		return "", "", fmt.Errorf("encode signed transaction: %w", err)
	}
	return signed, sigs[0].String(), nil
}
