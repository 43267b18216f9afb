package wire

import (
	"crypto/x509" //lint:ignore SA1019 DecryptPEMBlock is the only stdlib path for password-protected PEM keys
	"encoding/pem"
	"fmt"
)

// decryptPEMKey decrypts a password-protected PEM private key block. Most
// deployments ship an unencrypted key and never call this path; it exists
// for TLS_PASSWORD per the wire contract's optional encrypted-key support.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("wire: no PEM block found in key file")
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	decrypted, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("wire: decrypt TLS key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: decrypted}), nil
}
