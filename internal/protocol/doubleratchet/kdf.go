package doubleratchet

import (
	"improto/internal/cryptographic/kdf"
)

var (
	rootInfo   = []byte("improto/ratchet/root")
	chainInfo  = []byte("improto/ratchet/chain")
	chainInput = []byte{0x01}
)

// KDFRootKey derives a new root key and chain key from the old root key and
// a DH output. The old root key is the HKDF salt.
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	buffer, err := kdf.Derive(dhOut, rootKey, rootInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}

// KDFChainKey advances a chain key and yields the message key for the
// current position.
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	buffer, err := kdf.Derive(chainInput, chainKey, chainInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}
