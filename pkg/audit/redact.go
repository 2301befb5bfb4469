package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// redactEvent replaces requester identity and filter values with
// salted hashes. Event type, severity and operation-level detail stay
// readable so operators can still triage.
func redactEvent(ev Event, salt []byte) Event {
	ev.RequesterID = hashString(ev.RequesterID, salt)
	ev.Metadata = redactMetadata(ev.Metadata, salt)
	return ev
}

func redactMetadata(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		payload := map[string]interface{}{
			"metadata_hash":   hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	if filters, ok := doc["filters"]; ok && filters != nil {
		b, err := json.Marshal(filters)
		if err == nil {
			doc["filters_hash"] = hashBytes(b, salt)
		}
		delete(doc, "filters")
	}
	b, _ := json.Marshal(doc)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
