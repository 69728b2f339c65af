// ABOUTME: Tests for content text extraction and field normalization
// ABOUTME: Table-driven over each content shape and timestamp form

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/tether/internal/protocol"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		content protocol.Content
		want    string
	}{
		{"plain", protocol.Content{Conversation: " oi "}, "oi"},
		{"text", protocol.Content{Text: "hello"}, "hello"},
		{"plain beats extended", protocol.Content{Conversation: "a", ExtendedText: &protocol.ExtendedText{Text: "b"}}, "a"},
		{"blank plain falls through", protocol.Content{Conversation: "  ", ExtendedText: &protocol.ExtendedText{Text: "b"}}, "b"},
		{"buttons", protocol.Content{Buttons: &protocol.Buttons{ContentText: "pick one"}}, "pick one"},
		{"list", protocol.Content{List: &protocol.List{Description: "menu"}}, "menu"},
		{"text beats media", protocol.Content{List: &protocol.List{Description: "menu"}, Image: &protocol.Media{}}, "menu"},
		{"image", protocol.Content{Image: &protocol.Media{Caption: ""}}, "image"},
		{"audio", protocol.Content{Audio: &protocol.Media{}}, "audio"},
		{"video", protocol.Content{Video: &protocol.Media{}}, "video"},
		{"document", protocol.Content{Document: &protocol.Media{}}, "document"},
		{"image before document", protocol.Content{Document: &protocol.Media{}, Image: &protocol.Media{}}, "image"},
		{"empty", protocol.Content{}, Unsupported},
		{"internal only", protocol.Content{ProtocolMessage: &protocol.Internal{}}, Unsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(tt.content))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	valid := map[string]int64{
		"1718000000":   1718000000,
		" 1718000000 ": 1718000000,
		"1718000000.5": 1718000000,
		"1":            1,
		"253402300799": 253402300799,
	}
	for raw, want := range valid {
		got, err := ParseTimestamp(raw)
		assert.NoError(t, err, raw)
		assert.Equal(t, want, got.Unix(), raw)
	}

	for _, raw := range []string{"", "abc", "0", "-1", "NaN", "Inf", "12abc", "1e300", "253402300800", "9223372036854775807"} {
		_, err := ParseTimestamp(raw)
		assert.ErrorIs(t, err, ErrInvalidTimestamp, raw)
	}
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "m1", MessageID("c1", "m1", "100"))
	assert.Equal(t, "c1-100", MessageID("c1", "", "100"))
}

func TestPhone(t *testing.T) {
	assert.Equal(t, "244923000111", Phone("244923000111@s.whatsapp.net"))
	assert.Equal(t, "", Phone("@example:server"))
}
