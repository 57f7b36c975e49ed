package substrate

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope. Exactly one of Result or
// Error is set on a well-formed response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RemoteError    `json:"error"`
}

// Header is the subset of a chain header the engine cares about.
type Header struct {
	ParentHash string   `json:"parentHash"`
	Number     HexOrInt `json:"number"`
	StateRoot  string   `json:"stateRoot"`
}

// StorageChangeSet is the result shape of state_queryStorageAt: the block the
// values were read at plus [key, value] pairs. Value is null for missing keys.
type StorageChangeSet struct {
	Block   string      `json:"block"`
	Changes [][2]string `json:"changes"`
}

// Health is the result shape of system_health.
type Health struct {
	Peers           int  `json:"peers"`
	IsSyncing       bool `json:"isSyncing"`
	ShouldHavePeers bool `json:"shouldHavePeers"`
}

// HexOrInt handles fields that can be either a number or a hex string.
// It uses big.Int internally to handle arbitrarily large values without overflow.
type HexOrInt struct {
	Value *big.Int
}

// Uint64 returns the value truncated to uint64; zero when unset.
func (h HexOrInt) Uint64() uint64 {
	if h.Value == nil {
		return 0
	}
	return h.Value.Uint64()
}

// UnmarshalJSON accepts numbers (e.g. 12345) or strings ("0xabc" or "12345").
func (h *HexOrInt) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		h.Value = big.NewInt(0)
		return nil
	}

	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		h.Value = big.NewInt(0)
		return nil
	}

	v := new(big.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if _, ok := v.SetString(s[2:], 16); !ok {
			return fmt.Errorf("invalid hex integer: %s", s)
		}
	} else {
		if _, ok := v.SetString(s, 10); !ok {
			return fmt.Errorf("invalid decimal integer: %s", s)
		}
	}
	h.Value = v
	return nil
}
