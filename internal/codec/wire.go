package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ActionPin                 = "pin"
	ActionRegistrationSuccess = "registration-success"
	ActionUploadSuccess       = "upload-success"
)

type Metadata map[string]any

func (m Metadata) Name() string {
	name, _ := m["name"].(string)
	return strings.TrimSpace(name)
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(Metadata, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out Metadata
	_ = json.Unmarshal(raw, &out)
	return out
}

type Registration struct {
	Name string `json:"name"`
}

type Request struct {
	Action string   `json:"action"`
	Data   HexBytes `json:"data,omitempty"`
}

type Reply struct {
	Action string `json:"action"`
	CID    string `json:"cid,omitempty"`
}

// DecodeMetadata decodes a registration payload. Anything but a JSON object is
// rejected.
func DecodeMetadata(data []byte) (Metadata, error) {
	var md Metadata
	if err := Decode(data, &md); err != nil {
		return nil, err
	}
	if md == nil {
		return nil, fmt.Errorf("%w: registration must be an object", ErrDecodeFailure)
	}
	return md, nil
}

func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := Decode(data, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func DecodeReply(data []byte) (Reply, error) {
	var reply Reply
	if err := Decode(data, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}
