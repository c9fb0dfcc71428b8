// Package notify renders clip notifications and pushes them to Telegram chats.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/onnwee/clip-tender/clips"
)

// TimeLayout is the footer timestamp format.
const TimeLayout = "Jan 2, 2006 at 15:04 MST"

// WatchButtonText labels the inline link button.
const WatchButtonText = "▶ Watch clip"

var strict = bluemonday.StrictPolicy()

// Notification is the payload sent for one clip. Lead is plain text; Caption is
// Telegram HTML built from sanitized fields.
type Notification struct {
	Lead        string
	Title       string
	URL         string
	ImageURL    string
	Attribution string
	Footer      string
	Caption     string
	ButtonText  string
}

// Render builds the notification for a clip. It has no side effects.
func Render(c clips.Candidate, loc *time.Location) Notification {
	if loc == nil {
		loc = time.UTC
	}
	broadcaster := c.BroadcasterName
	if broadcaster == "" {
		broadcaster = "A broadcaster"
	}
	title := strings.TrimSpace(c.Title)
	if title == "" {
		title = "Untitled clip"
	}
	creator := c.CreatorName
	if creator == "" {
		creator = "someone"
	}

	n := Notification{
		Lead:        fmt.Sprintf("%s has a new clip!", broadcaster),
		Title:       title,
		URL:         c.URL,
		ImageURL:    c.ThumbnailURL,
		Attribution: broadcaster,
		Footer:      fmt.Sprintf("Clipped by %s • %s", creator, c.CreatedAt.In(loc).Format(TimeLayout)),
		ButtonText:  WatchButtonText,
	}
	n.Caption = caption(n)
	return n
}

func caption(n Notification) string {
	var b strings.Builder
	b.WriteString(sanitize(n.Lead))
	b.WriteString("\n\n")
	if n.URL != "" {
		fmt.Fprintf(&b, `<b><a href="%s">%s</a></b>`, sanitize(n.URL), sanitize(n.Title))
	} else {
		fmt.Fprintf(&b, "<b>%s</b>", sanitize(n.Title))
	}
	fmt.Fprintf(&b, "\n%s\n\n<i>%s</i>", sanitize(n.Attribution), sanitize(n.Footer))
	return b.String()
}

// sanitize strips markup and escapes the text for Telegram's HTML parse mode.
func sanitize(s string) string {
	return strict.Sanitize(s)
}
