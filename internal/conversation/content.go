// ABOUTME: Tagged union for message payloads over a closed set of kinds
// ABOUTME: Unknown provider fields are kept in an explicit Extra bag

package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ContentType is the discriminator of Content.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
	ContentLocation ContentType = "location"
	ContentTemplate ContentType = "template"
	ContentSystem   ContentType = "system"
)

// maxTextLength bounds a single text body (bytes).
const maxTextLength = 16 * 1024

// previewLength is the rune length of Preview.Text.
const previewLength = 120

// Location is the payload of a location message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Template is a pre-approved outbound template invocation.
type Template struct {
	Name     string   `json:"name"`
	Language string   `json:"language,omitempty"`
	Params   []string `json:"params,omitempty"`
}

// Content is a message payload. Which fields are meaningful depends on Type.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	MediaURL string      `json:"media_url,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	Location *Location   `json:"location,omitempty"`
	Template *Template   `json:"template,omitempty"`

	// Extra carries provider fields this version does not model.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Text builds a plain text payload.
func Text(body string) Content {
	return Content{Type: ContentText, Text: body}
}

// Validate checks the fields required by Type.
func (c Content) Validate() error {
	switch c.Type {
	case ContentText, ContentSystem:
		if strings.TrimSpace(c.Text) == "" {
			return errors.New("text is required")
		}
		if len(c.Text) > maxTextLength {
			return fmt.Errorf("text exceeds %d bytes", maxTextLength)
		}
	case ContentImage, ContentAudio, ContentVideo:
		if c.MediaURL == "" {
			return fmt.Errorf("%s needs media_url", c.Type)
		}
	case ContentDocument:
		if c.MediaURL == "" {
			return errors.New("document needs media_url")
		}
		if c.FileName == "" {
			return errors.New("document needs file_name")
		}
	case ContentLocation:
		if c.Location == nil {
			return errors.New("location payload is required")
		}
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 ||
			c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			return errors.New("location out of range")
		}
	case ContentTemplate:
		if c.Template == nil || c.Template.Name == "" {
			return errors.New("template name is required")
		}
	case "":
		return errors.New("content type is required")
	default:
		return fmt.Errorf("unknown content type %q", c.Type)
	}
	return nil
}

// PreviewText is a short human readable summary used for list views.
func (c Content) PreviewText() string {
	var s string
	switch c.Type {
	case ContentText, ContentSystem:
		s = c.Text
	case ContentLocation:
		s = "[location]"
		if c.Location != nil && c.Location.Name != "" {
			s = "[location] " + c.Location.Name
		}
	case ContentTemplate:
		s = "[template]"
		if c.Template != nil {
			s = "[template] " + c.Template.Name
		}
	case ContentDocument:
		s = "[document] " + c.FileName
	default:
		s = "[" + string(c.Type) + "]"
		if c.Caption != "" {
			s += " " + c.Caption
		}
	}
	return truncateRunes(strings.TrimSpace(s), previewLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
