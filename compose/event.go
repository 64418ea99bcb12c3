package compose

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ArtifactEvent announces a newly stored artifact.
type ArtifactEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`

	// Generation distinguishes overwrites of the same name. Empty means "0".
	Generation string `json:"generation"`

	ContentType string `json:"contentType,omitempty"`
}

// ErrInvalidEvent is returned for events without a bucket or name.
var ErrInvalidEvent = errors.New("invalid artifact event")

// UnmarshalJSON accepts the generation as a string or a number.
func (e *ArtifactEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Bucket      string          `json:"bucket"`
		Name        string          `json:"name"`
		Generation  json.RawMessage `json:"generation"`
		ContentType string          `json:"contentType"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	gen, err := generationString(raw.Generation)
	if err != nil {
		return err
	}
	*e = ArtifactEvent{Bucket: raw.Bucket, Name: raw.Name, Generation: gen, ContentType: raw.ContentType}
	return nil
}

func generationString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("generation: %w", err)
	}
	return n.String(), nil
}

// Validate checks the fields identity depends on.
func (e ArtifactEvent) Validate() error {
	if strings.TrimSpace(e.Bucket) == "" || strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: bucket and name are required", ErrInvalidEvent)
	}
	return nil
}

// DecodeEvent parses a flat event or one wrapped in a CloudEvents-style
// {"data": {...}} envelope.
func DecodeEvent(data []byte) (ArtifactEvent, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ArtifactEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	body := data
	if len(bytes.TrimSpace(envelope.Data)) > 0 && envelope.Data[0] == '{' {
		body = envelope.Data
	}

	var ev ArtifactEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ArtifactEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return ArtifactEvent{}, err
	}
	return ev, nil
}
