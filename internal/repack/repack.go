// Package repack re-encrypts PKCS#12 bundles under a new passphrase. All
// parsing and serialization is delegated to software.sslmate.com/src/go-pkcs12;
// this package only maps between bundle bytes and the dialogue's error kinds.
package repack

import (
	"errors"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// maxLabelLen bounds the friendly label derived from the certificate subject.
const maxLabelLen = 64

var (
	// ErrDecryption means the bundle could not be opened with the supplied
	// passphrase (wrong password or damaged encryption layer).
	ErrDecryption = errors.New("bundle could not be decrypted")

	// ErrInvalidBundle means the bytes do not form a usable PKCS#12 bundle
	// or the bundle carries neither a key nor a certificate.
	ErrInvalidBundle = errors.New("bundle is not a valid PKCS#12 file")
)

// Repack decrypts data with oldPass and re-encodes the key, certificate, and
// CA chain unchanged under newPass, using the strongest encoder the library
// offers. An empty oldPass means the bundle is protected by the empty
// password. The returned label is a bounded human-readable name derived from
// the certificate subject, empty when no certificate is present.
func Repack(data []byte, oldPass, newPass string) ([]byte, string, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, oldPass)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, "", fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if key == nil && cert == nil {
		return nil, "", ErrInvalidBundle
	}

	out, err := pkcs12.Modern2023.Encode(key, cert, caCerts, newPass)
	if err != nil {
		return nil, "", fmt.Errorf("encode bundle: %w", err)
	}

	var label string
	if cert != nil {
		label = truncate(cert.Subject.String(), maxLabelLen)
	}
	return out, label, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
