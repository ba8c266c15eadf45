package outbox

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"mailsync/internal/model"
)

// canonicalPayload is the hashed form of a payload: fixed field order and
// sorted label and thread sets, so logically equal payloads hash equal.
type canonicalPayload struct {
	Type      model.PayloadType `json:"type"`
	ThreadIDs []string          `json:"thread_ids,omitempty"`
	Add       []string          `json:"add,omitempty"`
	Remove    []string          `json:"remove,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Raw       []byte            `json:"raw,omitempty"`
}

// Hash returns the hex BLAKE2b-256 content hash of a payload.
func Hash(p model.Payload) (string, error) {
	var c canonicalPayload
	switch v := p.(type) {
	case model.ModifyLabels:
		c = canonicalPayload{
			Type:      v.Type(),
			ThreadIDs: model.NormalizeLabels(v.ThreadIDs),
			Add:       model.NormalizeLabels(v.Add),
			Remove:    model.NormalizeLabels(v.Remove),
		}
	case model.SendMessage:
		c = canonicalPayload{Type: v.Type(), ThreadID: v.ThreadID, Raw: v.Raw}
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
