// ABOUTME: Mapping between Matrix message content and protocol content
// ABOUTME: Also renders outbound markdown into the HTML formatted body

package matrix

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tether/internal/protocol"
)

// mapContent converts a room message into the protocol content union.
// Plain text, notices and emotes are conversation text; replies become
// extended text; attachments become media.
func mapContent(c *event.MessageEventContent) protocol.Content {
	switch c.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		if c.RelatesTo != nil && c.RelatesTo.InReplyTo != nil {
			return protocol.Content{ExtendedText: &protocol.ExtendedText{Text: stripReplyFallback(c.Body)}}
		}
		return protocol.TextContent(c.Body)
	case event.MsgImage:
		return protocol.Content{Image: media(c)}
	case event.MsgAudio:
		return protocol.Content{Audio: media(c)}
	case event.MsgVideo:
		return protocol.Content{Video: media(c)}
	case event.MsgFile:
		return protocol.Content{Document: media(c)}
	default:
		// locations and custom msgtypes keep their fallback body for previews
		return protocol.Content{Text: c.Body}
	}
}

func media(c *event.MessageEventContent) *protocol.Media {
	m := &protocol.Media{URL: string(c.URL)}
	if m.URL == "" && c.File != nil {
		m.URL = string(c.File.URL)
	}
	if c.Info != nil {
		m.MimeType = c.Info.MimeType
	}
	// body is the file name unless a separate filename is given
	if c.FileName != "" && c.FileName != c.Body {
		m.Caption = c.Body
	}
	return m
}

func isEdit(c *event.MessageEventContent) bool {
	return c.NewContent != nil || (c.RelatesTo != nil && c.RelatesTo.Type == event.RelReplace)
}

// stripReplyFallback drops the "> quoted" lines older clients prepend to replies
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

// timestampSeconds converts origin_server_ts milliseconds to a seconds string
func timestampSeconds(ms int64) string {
	return strconv.FormatInt(ms/1000, 10)
}

// renderMarkdown returns the HTML for text and whether it differs from
// plain text. A single paragraph with no markup is not worth a formatted body.
func renderMarkdown(text string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	out := strings.TrimSpace(buf.String())

	inner := strings.TrimSuffix(strings.TrimPrefix(out, "<p>"), "</p>")
	if !strings.Contains(inner, "<") {
		return "", false
	}
	return out, true
}

func localpart(user id.UserID) string {
	local, _, err := user.Parse()
	if err != nil || local == "" {
		return user.String()
	}
	return local
}
