package uds

import (
	"crypto/aes"
	"fmt"

	"github.com/chmike/cmac-go"
)

// XORKeyFunc returns a KeyFunc xoring the seed with a repeating mask. The
// classic trivial algorithm of development ECUs.
func XORKeyFunc(mask []byte) KeyFunc {
	return func(seed []byte) ([]byte, error) {
		if len(mask) == 0 {
			return nil, fmt.Errorf("empty xor mask")
		}
		key := make([]byte, len(seed))
		for i, b := range seed {
			key[i] = b ^ mask[i%len(mask)]
		}
		return key, nil
	}
}

// CMACKeyFunc returns a KeyFunc computing AES-CMAC over the seed, as used by
// a number of production security-access implementations.
func CMACKeyFunc(secret []byte) KeyFunc {
	return func(seed []byte) ([]byte, error) {
		h, err := cmac.New(aes.NewCipher, secret)
		if err != nil {
			return nil, fmt.Errorf("init cmac: %w", err)
		}
		if _, err := h.Write(seed); err != nil {
			return nil, fmt.Errorf("cmac seed: %w", err)
		}
		return h.Sum(nil), nil
	}
}
