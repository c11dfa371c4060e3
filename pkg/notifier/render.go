package notifier

import (
	"fmt"
	"html"
	"strings"
	"text/template"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/feed"
)

// DefaultTemplate renders a flight as an HTML link, the format Telegram
// expects with parse_mode=HTML
const DefaultTemplate = `<a href="{{.Link}}">{{.Title}}</a>`

// messageData is the template context for one entry. Title and Summary are
// already escaped/sanitized for HTML parse mode.
type messageData struct {
	Title     string
	Link      string
	Pilot     string
	Summary   string
	Published time.Time
}

// renderer turns an entry into the outgoing message text
type renderer struct {
	tmpl     *template.Template
	sanitize *bluemonday.Policy
}

func newRenderer(textTemplate string) (*renderer, error) {
	tmpl, err := template.New("message").Parse(textTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse message template: %w", err)
	}
	return &renderer{tmpl: tmpl, sanitize: bluemonday.StrictPolicy()}, nil
}

// render produces the message text for an entry. A failure here is permanent
// for the entry, retrying won't make the same entry renderable.
func (r *renderer) render(e feed.Entry) (string, error) {
	data := messageData{
		Title:     html.EscapeString(e.Title),
		Link:      e.Link,
		Pilot:     e.Pilot(),
		Summary:   strings.TrimSpace(r.sanitize.Sanitize(e.Summary)),
		Published: e.Published,
	}

	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("execute message template: %w", err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("rendered message is empty for %s", e.GUID)
	}
	return text, nil
}
