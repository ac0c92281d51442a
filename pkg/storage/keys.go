package storage

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Orders use zero-padded ids so an iterator yields them
// in allocation order, which is what rebuilds FIFO tie-breaks on reload.
const (
	prefixOrder = "ord:"  // order records, live and removed
	prefixFunds = "fund:" // free funds per maker per asset
	prefixStake = "stk:"  // stake row per maker
	keyNextID   = "meta:nextid"
)

// orderKey formats "ord:{id}" with a 20-digit id.
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// fundsKey formats "fund:{maker}:{asset}".
func fundsKey(maker, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixFunds, maker.Hex(), asset.Hex()))
}

// parseFundsKey is the inverse of fundsKey.
func parseFundsKey(key []byte) (maker, asset common.Address, err error) {
	rest := strings.TrimPrefix(string(key), prefixFunds)
	parts := strings.Split(rest, ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return common.Address{}, common.Address{}, fmt.Errorf("malformed funds key %q", key)
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), nil
}

// stakeKey formats "stk:{maker}".
func stakeKey(maker common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixStake, maker.Hex()))
}

func parseStakeKey(key []byte) (common.Address, error) {
	rest := strings.TrimPrefix(string(key), prefixStake)
	if !common.IsHexAddress(rest) {
		return common.Address{}, fmt.Errorf("malformed stake key %q", key)
	}
	return common.HexToAddress(rest), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
