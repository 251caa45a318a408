package domain

import "encoding/hex"

// DrmKind identifies the content-decryption scheme carried by a voucher.
// Scheme selection is by key material length, not an explicit tag.
type DrmKind string

const (
	// DrmActivation is the legacy scheme: a short 4-byte activation key
	DrmActivation DrmKind = "activation"
	// DrmKeyPair is the current scheme: a 16-byte AES key plus 16-byte IV
	DrmKeyPair DrmKind = "key_iv"
)

// Voucher holds the decrypted per-title content key material together with
// the CDN URL it unlocks. Vouchers are created per download attempt and are
// never persisted; the URL expires on the order of an hour.
type Voucher struct {
	Kind       DrmKind
	Key        []byte
	IV         []byte // nil for DrmActivation
	ContentURL string
}

// ClassifyKeyMaterial determines the DRM scheme from decoded key lengths:
// 4 bytes with no IV is DrmActivation, 16+16 bytes is DrmKeyPair. Anything
// else fails with MalformedVoucherError.
func ClassifyKeyMaterial(key, iv []byte) (DrmKind, error) {
	switch {
	case len(key) == 4 && len(iv) == 0:
		return DrmActivation, nil
	case len(key) == 16 && len(iv) == 16:
		return DrmKeyPair, nil
	default:
		return "", &MalformedVoucherError{KeyLen: len(key), IVLen: len(iv)}
	}
}

// KeyHex returns the key in the hex encoding the codec converter expects
func (v *Voucher) KeyHex() string {
	return hex.EncodeToString(v.Key)
}

// IVHex returns the IV in hex, empty for the activation scheme
func (v *Voucher) IVHex() string {
	if len(v.IV) == 0 {
		return ""
	}
	return hex.EncodeToString(v.IV)
}
