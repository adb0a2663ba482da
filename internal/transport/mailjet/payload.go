// Package mailjet implements a Transport that delivers messages through the
// Mailjet v3 Send API.
package mailjet

import (
	"encoding/base64"
	"mime"
	"strings"

	"github.com/shineum/mailjet-relay/internal/email"
)

// Payload is the JSON body of a v3 Send request.
type Payload struct {
	FromEmail   string       `json:"FromEmail"`
	FromName    string       `json:"FromName"`
	Subject     string       `json:"Subject"`
	Recipients  []Recipient  `json:"Recipients"`
	HTMLPart    string       `json:"Html-part"`
	TextPart    *string      `json:"Text-part,omitempty"`
	Attachments []Attachment `json:"Attachments,omitempty"`
}

// Recipient is one entry of the Recipients array.
type Recipient struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

// Attachment is one entry of the Attachments array. Content holds the
// standard base64 encoding of the file.
type Attachment struct {
	ContentType string `json:"Content-Type"`
	Filename    string `json:"Filename"`
	Content     string `json:"content"`
}

// BuildPayload converts msg into a v3 Send request body. msg is not modified.
//
// All recipients (To, then Cc, then Bcc) are flattened into a single
// Recipients entry whose Email and Name are comma-joined. Mailjet accepts
// this shape and existing integrations depend on it.
func BuildPayload(msg *email.Message) *Payload {
	recipients := msg.Recipients()

	p := &Payload{
		FromEmail: strings.Join(msg.From.Addresses(), ","),
		FromName:  strings.Join(msg.From.Names(), ","),
		Subject:   msg.Subject,
		Recipients: []Recipient{{
			Email: strings.Join(recipients.Addresses(), ","),
			Name:  strings.Join(recipients.Names(), ","),
		}},
		HTMLPart: msg.Body,
	}

	for _, child := range msg.Children {
		switch c := child.(type) {
		case email.Attachment:
			p.Attachments = append(p.Attachments, newAttachment(c.ContentType, c.Filename, c.Body))
		case email.InlineImage:
			p.Attachments = append(p.Attachments, newAttachment(c.ContentType, c.Filename, c.Body))
		case email.MimePart:
			switch mediaType(c.ContentType) {
			case "text/plain":
				text := string(c.Body)
				p.TextPart = &text
			case "text/html":
				p.HTMLPart = string(c.Body)
			}
		}
	}

	return p
}

// FormatRecipients renders every recipient as "Name <address>" (or the bare
// address) and joins them with commas.
func FormatRecipients(msg *email.Message) string {
	return strings.Join(msg.Recipients().Formatted(), ",")
}

func newAttachment(contentType, filename string, body []byte) Attachment {
	return Attachment{
		ContentType: contentType,
		Filename:    filename,
		Content:     base64.StdEncoding.EncodeToString(body),
	}
}

// mediaType strips parameters from a Content-Type value and lowercases it.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
