package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DerivationPath is a five level BIP-44 style path. The first three levels
// are always hardened. FullyHardened also hardens change and address index,
// which Ed25519 (SLIP-0010) derivation requires.
type DerivationPath struct {
	Purpose       uint32 `bson:"purpose" json:"purpose"`
	CoinType      uint32 `bson:"coin_type" json:"coin_type"`
	Account       uint32 `bson:"account" json:"account"`
	Change        uint32 `bson:"change" json:"change"`
	AddressIndex  uint32 `bson:"address_index" json:"address_index"`
	FullyHardened bool   `bson:"fully_hardened" json:"fully_hardened"`
}

// String renders the path, e.g. "m/44'/60'/0'/0/0".
func (p DerivationPath) String() string {
	tail := ""
	if p.FullyHardened {
		tail = "'"
	}
	return fmt.Sprintf("m/%d'/%d'/%d'/%d%s/%d%s",
		p.Purpose, p.CoinType, p.Account, p.Change, tail, p.AddressIndex, tail)
}

// Indices returns the child numbers with hardened offsets applied.
func (p DerivationPath) Indices() []uint32 {
	h := uint32(hdkeychain.HardenedKeyStart)
	out := []uint32{p.Purpose + h, p.CoinType + h, p.Account + h, p.Change, p.AddressIndex}
	if p.FullyHardened {
		out[3] += h
		out[4] += h
	}
	return out
}

// ParseDerivationPath accepts "m/44'/60'/0'/0/0" or "44'/60'/0'/0/0".
func ParseDerivationPath(path string) (DerivationPath, error) {
	indices, hardened, err := parsePathSegments(path)
	if err != nil {
		return DerivationPath{}, err
	}
	if len(indices) != 5 {
		return DerivationPath{}, fmt.Errorf("expected 5 path levels, got %d", len(indices))
	}
	if !hardened[0] || !hardened[1] || !hardened[2] {
		return DerivationPath{}, errors.New("purpose, coin type and account must be hardened")
	}
	if hardened[3] != hardened[4] {
		return DerivationPath{}, errors.New("change and address index must share hardening")
	}
	return DerivationPath{
		Purpose:       indices[0],
		CoinType:      indices[1],
		Account:       indices[2],
		Change:        indices[3],
		AddressIndex:  indices[4],
		FullyHardened: hardened[3],
	}, nil
}

func parsePathSegments(path string) ([]uint32, []bool, error) {
	p := strings.TrimSpace(path)
	if strings.HasPrefix(p, "m/") || strings.HasPrefix(p, "M/") {
		p = p[2:]
	}
	if p == "" {
		return nil, nil, errors.New("empty derivation path")
	}
	parts := strings.Split(p, "/")
	indices := make([]uint32, 0, len(parts))
	hardened := make([]bool, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, nil, errors.New("invalid path segment")
		}
		h := strings.HasSuffix(part, "'")
		if h {
			part = strings.TrimSuffix(part, "'")
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil || uint32(v) >= hdkeychain.HardenedKeyStart {
			return nil, nil, errors.New("invalid derivation index")
		}
		indices = append(indices, uint32(v))
		hardened = append(hardened, h)
	}
	return indices, hardened, nil
}
