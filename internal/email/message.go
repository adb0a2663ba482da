// Package email defines the message model handed to delivery transports.
package email

// Message is a composed email message. Transports treat it as read-only.
type Message struct {
	From    AddressList
	To      AddressList
	Cc      AddressList
	Bcc     AddressList
	Subject string

	// Body is the primary body. It may hold HTML.
	Body string

	// ContentType is the media type the primary body was declared with.
	ContentType string

	// Children holds the alternative bodies, attachments and inline images
	// in the order they appeared in the message.
	Children []Part

	Headers   map[string][]string
	MessageID string
}

// Recipients returns To, Cc and Bcc merged into a single list.
func (m *Message) Recipients() AddressList {
	return Merge(m.To, m.Cc, m.Bcc)
}

// Part is one child of a multipart message body. It is implemented only by
// Attachment, InlineImage and MimePart.
type Part interface {
	part()
}

// Attachment is a file carried alongside the message.
type Attachment struct {
	ContentType string
	Filename    string
	Body        []byte
}

// InlineImage is an image referenced from the HTML body by Content-ID.
type InlineImage struct {
	ContentType string
	Filename    string
	ContentID   string
	Body        []byte
}

// MimePart is an alternative rendering of the message body, such as a
// text/plain or text/html section.
type MimePart struct {
	ContentType string
	Body        []byte
}

func (Attachment) part()  {}
func (InlineImage) part() {}
func (MimePart) part()    {}
