// ABOUTME: Translation from protocol content shapes to display text and normalized fields
// ABOUTME: The only place that decides which content shape wins

package conversation

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/store"
)

// ErrInvalidTimestamp marks a record whose timestamp cannot be ordered
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Unsupported is the text of a message with no recognizable content
const Unsupported = "unsupported"

// ExtractText returns the human-readable text of c. The first non-empty
// shape wins: plain, text, extended text, button text, list description,
// then a media tag, then Unsupported.
func ExtractText(c protocol.Content) string {
	candidates := []string{c.Conversation, c.Text}
	if c.ExtendedText != nil {
		candidates = append(candidates, c.ExtendedText.Text)
	}
	if c.Buttons != nil {
		candidates = append(candidates, c.Buttons.ContentText)
	}
	if c.List != nil {
		candidates = append(candidates, c.List.Description)
	}
	for _, s := range candidates {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}

	switch {
	case c.Image != nil:
		return "image"
	case c.Audio != nil:
		return "audio"
	case c.Video != nil:
		return "video"
	case c.Document != nil:
		return "document"
	}
	return Unsupported
}

// maxTimestamp is 10000-01-01T00:00:00Z, the first instant time.Time
// refuses to marshal.
const maxTimestamp = 253402300800

// ParseTimestamp interprets a protocol seconds value. Non-numeric, zero,
// negative, non-finite and out of range values yield ErrInvalidTimestamp.
func ParseTimestamp(raw string) (time.Time, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 || secs >= maxTimestamp {
		return time.Time{}, ErrInvalidTimestamp
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), nil
}

// MessageID returns id, or "<conversationID>-<timestamp>" when the protocol gave none.
func MessageID(conversationID, id, timestamp string) string {
	if id != "" {
		return id
	}
	return conversationID + "-" + timestamp
}

var nonDigits = regexp.MustCompile(`\D`)

// Phone returns the digits of a conversation identifier.
func Phone(conversationID string) string {
	return nonDigits.ReplaceAllString(conversationID, "")
}

// NormalizeRating maps anything other than like/dislike to "".
func NormalizeRating(r string) string {
	switch r {
	case store.RatingLike, store.RatingDislike:
		return r
	default:
		return store.RatingNone
	}
}
