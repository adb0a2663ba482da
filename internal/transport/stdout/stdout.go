// Package stdout implements a Transport that prints emails instead of
// delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mailjet-relay/internal/email"
	"github.com/shineum/mailjet-relay/internal/transport"
)

// Transport prints email messages in a human-readable format.
type Transport struct {
	mu      sync.Mutex
	writer  io.Writer
	plugins []transport.Plugin
}

// New creates a Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a Transport that writes to the given writer.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

var _ transport.Transport = (*Transport)(nil)

// IsStarted always returns true.
func (t *Transport) IsStarted() bool { return true }

// Start is a no-op.
func (t *Transport) Start() bool { return true }

// Stop is a no-op.
func (t *Transport) Stop() bool { return true }

// RegisterPlugin adds a listener that is notified after every printed message.
func (t *Transport) RegisterPlugin(p transport.Plugin) {
	if p == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plugins = append(t.plugins, p)
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

// Send prints the message. It returns no response; a write error is
// reported as a transport error.
func (t *Transport) Send(_ context.Context, msg *email.Message, failedRecipients *[]string) (*http.Response, error) {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", strings.Join(msg.From.Formatted(), ", "))
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To.Formatted(), ", "))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc.Formatted(), ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc.Formatted(), ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(msg.Body + "\n")

	var files []string
	for _, child := range msg.Children {
		switch p := child.(type) {
		case email.MimePart:
			fmt.Fprintf(&b, "Alternative (%s):\n%s\n", p.ContentType, p.Body)
		case email.Attachment:
			files = append(files, fmt.Sprintf("%s (%s)", p.Filename, formatSize(len(p.Body))))
		case email.InlineImage:
			files = append(files, fmt.Sprintf("%s (%s, inline)", p.Filename, formatSize(len(p.Body))))
		}
	}
	if len(files) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(files, ", "))
	}

	b.WriteString("========================================\n")

	t.mu.Lock()
	_, err := io.WriteString(t.writer, b.String())
	plugins := t.plugins
	t.mu.Unlock()

	if err != nil {
		err = &transport.Error{Transport: t.Name(), Err: err}
	}

	for _, p := range plugins {
		p.TransportEvent(transport.Event{Transport: t.Name(), Message: msg, Err: err})
	}

	return nil, err
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
