package core

import (
	"fmt"
	"regexp"
	"strings"
)

// ContentEncoding identifies how inline part content is encoded.
type ContentEncoding string

const (
	// EncodingPlain marks inline content carried verbatim.
	EncodingPlain ContentEncoding = "plain"
	// EncodingBase64 marks inline content carried base64-encoded.
	EncodingBase64 ContentEncoding = "base64"
)

// Part is the atomic content unit of a Message. Exactly one of Content
// (inline, with an encoding) or ContentURL (external reference) must be set.
// A Part with Name set is an artifact; artifacts obey all part invariants and
// additionally require the name.
type Part struct {
	ContentType     string          `json:"content_type"`
	Content         *string         `json:"content,omitempty"`
	ContentEncoding ContentEncoding `json:"content_encoding,omitempty"`
	ContentURL      *string         `json:"content_url,omitempty"`
	Name            string          `json:"name,omitempty"`
}

// TextPart builds an inline plain-text part.
func TextPart(text string) Part {
	return Part{ContentType: "text/plain", Content: &text, ContentEncoding: EncodingPlain}
}

// URLPart builds a part referencing external content.
func URLPart(contentType, url string) Part {
	return Part{ContentType: contentType, ContentURL: &url}
}

// ArtifactPart builds a named inline part.
func ArtifactPart(name, contentType, content string) Part {
	return Part{Name: name, ContentType: contentType, Content: &content, ContentEncoding: EncodingPlain}
}

// IsArtifact reports whether the part carries an artifact name.
func (p Part) IsArtifact() bool { return p.Name != "" }

// Validate checks the part invariants.
func (p Part) Validate() error {
	if p.ContentType == "" {
		return &ValidationError{Field: "part.content_type", Reason: "required"}
	}
	if p.Content != nil && p.ContentURL != nil {
		return &ValidationError{Field: "part", Reason: "content and content_url are mutually exclusive"}
	}
	if p.Content == nil && p.ContentURL == nil {
		return &ValidationError{Field: "part", Reason: "one of content or content_url is required"}
	}
	switch p.ContentEncoding {
	case "", EncodingPlain, EncodingBase64:
	default:
		return &ValidationError{Field: "part.content_encoding", Reason: fmt.Sprintf("unknown encoding %q", p.ContentEncoding)}
	}
	if p.ContentEncoding != "" && p.Content == nil {
		return &ValidationError{Field: "part.content_encoding", Reason: "only valid with inline content"}
	}
	return nil
}

// roleRe matches the wire contract for message roles: "user", "agent" or
// "agent/{identifier}" where the identifier is alphanumeric/underscore/hyphen.
var roleRe = regexp.MustCompile(`^(user|agent(/[a-zA-Z0-9_-]+)?)$`)

// Message is an ordered sequence of parts attributed to a role. Part order is
// semantically significant and is preserved through storage and transmission.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// UserMessage builds a user-role message from the given parts.
func UserMessage(parts ...Part) Message {
	return Message{Role: "user", Parts: parts}
}

// UserText builds a user-role message with a single plain-text part.
func UserText(text string) Message {
	return UserMessage(TextPart(text))
}

// AgentMessage builds an agent-role message. A non-empty agent name yields
// the qualified role "agent/{name}".
func AgentMessage(agentName string, parts ...Part) Message {
	role := "agent"
	if agentName != "" {
		role = "agent/" + agentName
	}
	return Message{Role: role, Parts: parts}
}

// Validate checks the role pattern and every part.
func (m Message) Validate() error {
	if !roleRe.MatchString(m.Role) {
		return &ValidationError{Field: "message.role", Reason: fmt.Sprintf("%q does not match user|agent|agent/{identifier}", m.Role)}
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// Text concatenates the inline plain-text parts of the message. Convenience
// for tests, examples and log previews.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Content != nil && p.ContentEncoding != EncodingBase64 && strings.HasPrefix(p.ContentType, "text/") {
			sb.WriteString(*p.Content)
		}
	}
	return sb.String()
}

// ValidateMessages validates an ordered input batch.
func ValidateMessages(msgs []Message) error {
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// CloneMessages returns a deep copy safe for independent mutation.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Parts: make([]Part, len(m.Parts))}
		copy(out[i].Parts, m.Parts)
	}
	return out
}
