package ssh

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrSSHFailedKeyRead  = fmt.Errorf("failed to read SSH private key file")
	ErrSSHKeyEmpty       = fmt.Errorf("SSH private key is empty")
)

// ParseKey attempts to parse the provided 'key' value as a PEM-encoded private
// key (OpenSSH, PKCS#1 RSA as returned by EC2 'CreateKeyPair', or PKCS#8).
//
// If 'phrase' is nil or an empty slice, the key parse will be attempted
// assuming no encryption.
// If 'phrase' is provided, the key will be parsed assuming encryption. If the
// parse fails with the key it will be reattempted assuming no encryption.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, ErrSSHKeyEmpty
	}
	if len(phrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		// The key may simply not be encrypted.
		if !errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// LoadKey reads and parses the private key file at 'path'.
func LoadKey(path string, phrase []byte) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyRead, err)
	}
	return ParseKey(data, phrase)
}
