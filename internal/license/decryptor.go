package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/librisync/librisync/internal/domain"
)

var (
	errEmptyPlaintext = errors.New("empty plaintext")
	errBadPadding     = errors.New("invalid padding bytes")
)

// DeriveKey derives the AES key and IV used to decrypt a voucher from the
// four identity components. The digest is SHA-256 over their concatenation:
// the first 16 bytes become the key, the last 16 the IV. The server performs
// the identical derivation when encrypting, so any input mismatch is only
// detectable when the decrypted payload fails structural validation.
func DeriveKey(deviceType, deviceSerial, accountID, contentID string) (key, iv []byte) {
	sum := sha256.Sum256([]byte(deviceType + deviceSerial + accountID + contentID))
	return sum[:16], sum[16:32]
}

// DecryptVoucher decrypts a server-issued voucher with AES-128-CBC and
// PKCS#7 padding. Padding failures and non-UTF8 plaintext are hard failures:
// a silently accepted garbage plaintext would yield garbage content keys and
// corrupt the entire decoded file downstream.
func DecryptVoucher(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, &domain.DecryptionError{Reason: "key must be 16 bytes"}
	}
	if len(iv) != aes.BlockSize {
		return nil, &domain.DecryptionError{Reason: "iv must be 16 bytes"}
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &domain.DecryptionError{Reason: "ciphertext length is not a multiple of the block size"}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "cipher init failed", Err: err}
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = unpadPKCS7(plaintext)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "padding validation failed", Err: err}
	}

	if !utf8.Valid(plaintext) {
		return nil, &domain.DecryptionError{Reason: "plaintext is not valid UTF-8"}
	}

	return plaintext, nil
}

// voucherPayload is the decrypted voucher's JSON shape; key and iv are
// hex-encoded.
type voucherPayload struct {
	Key string `json:"key"`
	IV  string `json:"iv,omitempty"`
}

// ParseKeyMaterial extracts content key material from a decrypted voucher
// payload and classifies the DRM scheme by decoded lengths: a 4-byte key
// with no IV is the activation scheme, a 16-byte key with 16-byte IV is the
// key+iv scheme. Any other combination fails with MalformedVoucherError.
func ParseKeyMaterial(plaintext []byte) (*domain.Voucher, error) {
	var payload voucherPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, &domain.DecryptionError{Reason: "plaintext is not a valid voucher document", Err: err}
	}
	if payload.Key == "" {
		return nil, &domain.DecryptionError{Reason: "voucher has no key field"}
	}

	key, err := hex.DecodeString(payload.Key)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "voucher key is not valid hex", Err: err}
	}

	var iv []byte
	if payload.IV != "" {
		iv, err = hex.DecodeString(payload.IV)
		if err != nil {
			return nil, &domain.DecryptionError{Reason: "voucher iv is not valid hex", Err: err}
		}
	}

	kind, err := domain.ClassifyKeyMaterial(key, iv)
	if err != nil {
		return nil, err
	}

	return &domain.Voucher{Kind: kind, Key: key, IV: iv}, nil
}

// unpadPKCS7 validates and strips PKCS#7 padding. Every padding byte must
// equal the padding length.
func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errEmptyPlaintext
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}
