// ABOUTME: Tagged union of the message content shapes the protocol can carry
// ABOUTME: JSON field names follow the protocol's own message keys

package protocol

import "strings"

// Content holds whichever content shapes a message carried. Normally exactly
// one field is set; readers must apply a precedence order rather than assume it.
type Content struct {
	Conversation string        `json:"conversation,omitempty"`
	Text         string        `json:"text,omitempty"`
	ExtendedText *ExtendedText `json:"extendedTextMessage,omitempty"`
	Buttons      *Buttons      `json:"buttonsMessage,omitempty"`
	List         *List         `json:"listMessage,omitempty"`
	Image        *Media        `json:"imageMessage,omitempty"`
	Audio        *Media        `json:"audioMessage,omitempty"`
	Video        *Media        `json:"videoMessage,omitempty"`
	Document     *Media        `json:"documentMessage,omitempty"`

	// protocol bookkeeping, never shown to people
	SenderKeyDistribution *Internal `json:"senderKeyDistributionMessage,omitempty"`
	ProtocolMessage       *Internal `json:"protocolMessage,omitempty"`
}

// ExtendedText is text with quoting or link preview metadata.
type ExtendedText struct {
	Text string `json:"text"`
}

// Buttons is an interactive message with a text body.
type Buttons struct {
	ContentText string `json:"contentText"`
}

// List is an interactive list message.
type List struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
}

// Media describes an attachment.
type Media struct {
	MimeType string `json:"mimetype,omitempty"`
	Caption  string `json:"caption,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Internal marks a protocol housekeeping payload.
type Internal struct {
	Type string `json:"type,omitempty"`
}

// IsInternal reports whether the message is protocol housekeeping that
// should be neither stored nor shown.
func (c Content) IsInternal() bool {
	return c.SenderKeyDistribution != nil || c.ProtocolMessage != nil
}

// PlainText returns the typed text of a message: the plain conversation body
// or the extended text body. Interactive and media shapes return "".
func (c Content) PlainText() string {
	if s := strings.TrimSpace(c.Conversation); s != "" {
		return s
	}
	if c.ExtendedText != nil {
		return strings.TrimSpace(c.ExtendedText.Text)
	}
	return ""
}

// TextContent builds a Content carrying plain text.
func TextContent(text string) Content {
	return Content{Conversation: text}
}
