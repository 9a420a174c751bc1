package kms

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/configserver/cryptoutils"
)

// SplitMasterSeed splits seed into n shares, any threshold of which recover it.
// Shares are hex encoded so they can be handed to operators as text.
func SplitMasterSeed(seed []byte, n, threshold int) ([]string, error) {
	if len(seed) < MinMasterSeedSize {
		return nil, fmt.Errorf("master seed must be at least %d bytes", MinMasterSeedSize)
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if n < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(seed, n, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master seed: %w", err)
	}

	encoded := make([]string, len(shares))
	for i, share := range shares {
		encoded[i] = hex.EncodeToString(share)
		cryptoutils.Wipe(share)
	}
	return encoded, nil
}

// CombineMasterSeed reconstructs the master seed from hex encoded shares.
// Combining fewer shares than the threshold yields a wrong seed, not an error;
// keys derived from it will fail to open existing envelopes.
func CombineMasterSeed(shares []string) ([]byte, error) {
	if len(shares) < 2 {
		return nil, errors.New("at least 2 shares are required")
	}

	decoded := make([][]byte, 0, len(shares))
	defer func() {
		for _, share := range decoded {
			cryptoutils.Wipe(share)
		}
	}()

	for i, s := range shares {
		share, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("share %d is not valid hex", i)
		}
		decoded = append(decoded, share)
	}

	seed, err := shamir.Combine(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct master seed: %w", err)
	}
	return seed, nil
}

// ParseShares splits a comma separated share list.
func ParseShares(list string) []string {
	var shares []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			shares = append(shares, s)
		}
	}
	return shares
}
