package types

import (
	"encoding/json"
	"fmt"
)

// Part is a single unit of message or artifact content. Concrete variants are
// TextPart, FilePart and DataPart, discriminated by the "kind" field on the
// wire.
type Part interface {
	// PartKind returns the wire discriminator of the concrete variant
	PartKind() MessagePartKind
}

// TextPart carries a plain text segment
type TextPart struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PartKind returns the wire discriminator of the concrete variant
func (p TextPart) PartKind() MessagePartKind { return MessagePartKindText }

// FileContent carries a file either inline as base64 bytes or by URI.
// Exactly one of Bytes and URI should be set.
type FileContent struct {
	Bytes    *string `json:"bytes,omitempty"`
	URI      *string `json:"uri,omitempty"`
	Name     *string `json:"name,omitempty"`
	MimeType *string `json:"mimeType,omitempty"`
}

// FilePart carries a file segment
type FilePart struct {
	Kind     string         `json:"kind"`
	File     FileContent    `json:"file"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PartKind returns the wire discriminator of the concrete variant
func (p FilePart) PartKind() MessagePartKind { return MessagePartKindFile }

// DataPart carries an arbitrary structured data segment
type DataPart struct {
	Kind     string         `json:"kind"`
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PartKind returns the wire discriminator of the concrete variant
func (p DataPart) PartKind() MessagePartKind { return MessagePartKindData }

// NewTextPart creates a text part
func NewTextPart(text string) Part {
	return TextPart{Kind: MessagePartKindText.String(), Text: text}
}

// NewFilePart creates a file part
func NewFilePart(file FileContent) Part {
	return FilePart{Kind: MessagePartKindFile.String(), File: file}
}

// NewDataPart creates a structured data part
func NewDataPart(data any) Part {
	return DataPart{Kind: MessagePartKindData.String(), Data: data}
}

// partDiscriminator is the minimal shape needed to select a Part variant
type partDiscriminator struct {
	Kind MessagePartKind `json:"kind"`
}

// UnmarshalPart decodes a single Part, dispatching on the "kind" discriminator
func UnmarshalPart(data []byte) (Part, error) {
	var disc partDiscriminator
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("failed to read part discriminator: %w", err)
	}

	switch disc.Kind {
	case MessagePartKindText:
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal text part: %w", err)
		}
		return p, nil
	case MessagePartKindFile:
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file part: %w", err)
		}
		return p, nil
	case MessagePartKindData:
		var p DataPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data part: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported part kind: %q", disc.Kind)
	}
}

// UnmarshalParts decodes a slice of Parts with proper variant dispatch
func UnmarshalParts(data []byte) ([]Part, error) {
	var rawParts []json.RawMessage
	if err := json.Unmarshal(data, &rawParts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw parts: %w", err)
	}

	parts := make([]Part, len(rawParts))
	for i, rawPart := range rawParts {
		part, err := UnmarshalPart(rawPart)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal part at index %d: %w", i, err)
		}
		parts[i] = part
	}

	return parts, nil
}
