// Package protocol implements the encrypted request/response exchange spoken
// by BM6 and BM7 battery monitors.
//
// The host writes one AES-128-CBC encrypted command (zero IV, no padding) to
// the write characteristic and the monitor answers with encrypted
// notifications. Both sides use a static per-model key, so decrypting with the
// wrong key succeeds mechanically and yields a message the parser rejects.
package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"

	"github.com/srg/bmbridge/internal/device"
)

// commandHex is the plaintext "read battery" request.
const commandHex = "d1550700000000000000000000000000"

var (
	keyBM6 = []byte{108, 101, 97, 103, 101, 110, 100, 255, 254, 48, 49, 48, 48, 48, 48, 57}
	keyBM7 = []byte{108, 101, 97, 103, 101, 110, 100, 255, 254, 48, 49, 48, 48, 48, 48, 64}

	zeroIV = make([]byte, aes.BlockSize)
)

// CommandPlaintext returns a copy of the plaintext request.
func CommandPlaintext() []byte {
	b, _ := hex.DecodeString(commandHex)
	return b
}

func keyFor(model device.Model) ([]byte, error) {
	switch model {
	case device.ModelBM6:
		return keyBM6, nil
	case device.ModelBM7:
		return keyBM7, nil
	default:
		return nil, fmt.Errorf("no key for model %q", model)
	}
}

// BuildCommand returns the encrypted request for model.
func BuildCommand(model device.Model) ([]byte, error) {
	return EncryptBlocks(CommandPlaintext(), model)
}

// EncryptBlocks encrypts whole blocks under the model key.
func EncryptBlocks(plaintext []byte, model device.Model) ([]byte, error) {
	block, err := newCipher(model, len(plaintext))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptNotification decrypts a notification payload under the model key and
// renders it as lowercase hex.
func DecryptNotification(payload []byte, model device.Model) (string, error) {
	block, err := newCipher(model, len(payload))
	if err != nil {
		return "", err
	}
	out := make([]byte, len(payload))
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(out, payload)
	return hex.EncodeToString(out), nil
}

func newCipher(model device.Model, size int) (cipher.Block, error) {
	if size == 0 || size%aes.BlockSize != 0 {
		return nil, fmt.Errorf("payload length %d is not a positive multiple of %d", size, aes.BlockSize)
	}
	key, err := keyFor(model)
	if err != nil {
		return nil, err
	}
	return aes.NewCipher(key)
}
