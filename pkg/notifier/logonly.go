package notifier

import (
	"context"
	"fmt"

	"github.com/go-pkgz/lgr"

	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/feed"
)

// LogOnly renders messages and prints them instead of delivering, used when
// no telegram token is configured. Keeps dedup semantics identical to the
// real notifier, so switching a deployment to a real token is seamless.
type LogOnly struct {
	*renderer
}

// NewLogOnly creates a print-only notifier with the given message template
func NewLogOnly(textTemplate string) (*LogOnly, error) {
	r, err := newRenderer(textTemplate)
	if err != nil {
		return nil, err
	}
	return &LogOnly{renderer: r}, nil
}

// Send logs the rendered message
func (n *LogOnly) Send(_ context.Context, e feed.Entry) error {
	text, err := n.render(e)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPermanent, err)
	}
	lgr.Printf("[INFO] would send: %s", text)
	return nil
}
