package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPayoutBatch separates payout sender batch ids from any other hash
// of the same payload.
const DomainPayoutBatch = "payledger/payout-batch/v1"

// HashWithDomain computes SHA256(domain + 0x00 + data) as hex.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue canonicalizes v and hashes it under domain.
func HashValue(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}
