package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// #region hashing

// GenesisHash is the PrevHash of a tenant's first entry.
func GenesisHash(tenantID string) string {
	sum := sha256.Sum256([]byte("genesis:" + tenantID))
	return hex.EncodeToString(sum[:])
}

// hashedFields is the canonical form that feeds the hash. Field order is
// fixed by the struct.
type hashedFields struct {
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Timestamp string          `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

// ComputeHash returns SHA-256(prevHash || canonical JSON of e).
func ComputeHash(prevHash string, e Entry) (string, error) {
	content, err := Canonicalize(e.Content)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(hashedFields{
		Sequence:  e.Sequence,
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Content:   content,
	})
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize re-encodes JSON with sorted object keys and no insignificant
// whitespace. Numbers keep their literal form.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize content: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize content: %w", err)
	}
	return out, nil
}

// #endregion hashing

// #region merkle

// MerkleRoot folds hex hashes pairwise with SHA-256. A level with an odd
// count duplicates its last node.
func MerkleRoot(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "", fmt.Errorf("merkle root of empty set")
	}
	level := make([][]byte, len(hashes))
	for i, h := range hashes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return "", fmt.Errorf("decode hash %d: %w", i, err)
		}
		level[i] = b
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}

// #endregion merkle
