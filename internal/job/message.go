package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EncodeBuildTaskMessage returns the queue message body for job id.
func EncodeBuildTaskMessage(id string) ([]byte, error) {
	body := new(bytes.Buffer)
	if err := json.NewEncoder(body).Encode(BuildTaskMessage{ID: id}); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

// ParseBuildTaskMessage returns the job id carried by body.
func ParseBuildTaskMessage(body []byte) (string, error) {
	var msg struct {
		ID *string `json:"id"`
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return "", fmt.Errorf("invalid body: %w", err)
	}
	if dec.More() {
		return "", errors.New("invalid body: multiple top-level values")
	}

	// Body field id.
	if msg.ID == nil {
		return "", fmt.Errorf("missing %s body field", "id")
	}
	if !ValidID(*msg.ID) {
		return "", fmt.Errorf("invalid %s body field: %q", "id", *msg.ID)
	}

	return *msg.ID, nil
}
