package mailjet

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailjet-relay/internal/email"
)

func TestBuildPayload_SingleFromWithoutName(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From:    email.Addrs("sender@example.com"),
		To:      email.Addrs("rcpt@example.com"),
		Subject: "Hello",
		Body:    "<p>Hi</p>",
	}

	p := BuildPayload(msg)

	assert.Equal(t, "sender@example.com", p.FromEmail)
	assert.Equal(t, "", p.FromName)
	assert.Equal(t, "Hello", p.Subject)
	assert.Equal(t, "<p>Hi</p>", p.HTMLPart)
	assert.Nil(t, p.TextPart)
	assert.Nil(t, p.Attachments)
}

func TestBuildPayload_MultipleFrom(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.AddressList{
			{Address: "a@example.com", Name: "A"},
			{Address: "b@example.com"},
		},
	}

	p := BuildPayload(msg)

	assert.Equal(t, "a@example.com,b@example.com", p.FromEmail)
	assert.Equal(t, "A,", p.FromName)
}

func TestBuildPayload_RecipientsFlattened(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		To: email.AddressList{
			{Address: "a@x.com", Name: "Alice"},
			{Address: "b@x.com"},
		},
	}

	p := BuildPayload(msg)

	require.Len(t, p.Recipients, 1)
	assert.Equal(t, "a@x.com,b@x.com", p.Recipients[0].Email)
	assert.Equal(t, "Alice,", p.Recipients[0].Name)
}

func TestBuildPayload_RecipientsMergeCcBcc(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		To:   email.AddressList{{Address: "a@x.com", Name: "Alice"}},
		Cc:   email.AddressList{{Address: "c@x.com", Name: "Carol"}},
		Bcc:  email.AddressList{{Address: "d@x.com"}, {Address: "a@x.com", Name: "Alice B"}},
	}

	p := BuildPayload(msg)

	require.Len(t, p.Recipients, 1)
	assert.Equal(t, "a@x.com,c@x.com,d@x.com", p.Recipients[0].Email)
	assert.Equal(t, "Alice B,Carol,", p.Recipients[0].Name)
}

func TestBuildPayload_TextAlternative(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		Body: "<p>original</p>",
		Children: []email.Part{
			email.MimePart{ContentType: "text/plain", Body: []byte("hello")},
		},
	}

	p := BuildPayload(msg)

	assert.Equal(t, "<p>original</p>", p.HTMLPart)
	require.NotNil(t, p.TextPart)
	assert.Equal(t, "hello", *p.TextPart)
}

func TestBuildPayload_LastHTMLPartWins(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		Body: "default",
		Children: []email.Part{
			email.MimePart{ContentType: "text/html", Body: []byte("A")},
			email.MimePart{ContentType: "text/html", Body: []byte("B")},
		},
	}

	p := BuildPayload(msg)

	assert.Equal(t, "B", p.HTMLPart)
}

func TestBuildPayload_LastTextPartWins(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		Children: []email.Part{
			email.MimePart{ContentType: "text/plain", Body: []byte("first")},
			email.MimePart{ContentType: "text/plain", Body: []byte("second")},
		},
	}

	p := BuildPayload(msg)

	require.NotNil(t, p.TextPart)
	assert.Equal(t, "second", *p.TextPart)
}

func TestBuildPayload_ContentTypeParameters(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		Children: []email.Part{
			email.MimePart{ContentType: "TEXT/HTML; charset=utf-8", Body: []byte("<b>x</b>")},
			email.MimePart{ContentType: "text/plain; charset=\"iso-8859-1\"", Body: []byte("x")},
		},
	}

	p := BuildPayload(msg)

	assert.Equal(t, "<b>x</b>", p.HTMLPart)
	require.NotNil(t, p.TextPart)
	assert.Equal(t, "x", *p.TextPart)
}

func TestBuildPayload_UnknownMimePartIgnored(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		Body: "body",
		Children: []email.Part{
			email.MimePart{ContentType: "text/calendar", Body: []byte("BEGIN:VCALENDAR")},
		},
	}

	p := BuildPayload(msg)

	assert.Equal(t, "body", p.HTMLPart)
	assert.Nil(t, p.TextPart)
	assert.Nil(t, p.Attachments)
}

func TestBuildPayload_Attachments(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.4 fake")
	png := []byte{0x89, 'P', 'N', 'G'}

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		Children: []email.Part{
			email.Attachment{ContentType: "application/pdf", Filename: "doc.pdf", Body: pdf},
			email.MimePart{ContentType: "text/plain", Body: []byte("see attached")},
			email.InlineImage{ContentType: "image/png", Filename: "logo.png", ContentID: "logo", Body: png},
		},
	}

	p := BuildPayload(msg)

	require.Len(t, p.Attachments, 2)
	assert.Equal(t, Attachment{
		ContentType: "application/pdf",
		Filename:    "doc.pdf",
		Content:     base64.StdEncoding.EncodeToString(pdf),
	}, p.Attachments[0])
	assert.Equal(t, Attachment{
		ContentType: "image/png",
		Filename:    "logo.png",
		Content:     base64.StdEncoding.EncodeToString(png),
	}, p.Attachments[1])
}

func TestBuildPayload_DoesNotMutateMessage(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		To:   email.AddressList{{Address: "a@x.com", Name: "Alice"}},
		Bcc:  email.AddressList{{Address: "a@x.com", Name: "Other"}},
		Body: "body",
		Children: []email.Part{
			email.MimePart{ContentType: "text/html", Body: []byte("html")},
		},
	}

	BuildPayload(msg)

	assert.Equal(t, "body", msg.Body)
	assert.Equal(t, "Alice", msg.To[0].Name)
	assert.Len(t, msg.Children, 1)
}

func TestPayload_JSONShape(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From:    email.AddressList{{Address: "sender@example.com", Name: "Sender"}},
		To:      email.Addrs("rcpt@example.com"),
		Subject: "Shape",
		Body:    "<p>x</p>",
	}

	data, err := json.Marshal(BuildPayload(msg))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "sender@example.com", raw["FromEmail"])
	assert.Equal(t, "Sender", raw["FromName"])
	assert.Equal(t, "Shape", raw["Subject"])
	assert.Equal(t, "<p>x</p>", raw["Html-part"])
	assert.Equal(t, []any{map[string]any{"Email": "rcpt@example.com", "Name": ""}}, raw["Recipients"])
	assert.NotContains(t, raw, "Attachments")
	assert.NotContains(t, raw, "Text-part")
}

func TestPayload_JSONAttachmentKeys(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From: email.Addrs("sender@example.com"),
		Children: []email.Part{
			email.Attachment{ContentType: "text/csv", Filename: "a.csv", Body: []byte("a,b")},
			email.MimePart{ContentType: "text/plain", Body: []byte("")},
		},
	}

	data, err := json.Marshal(BuildPayload(msg))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, []any{map[string]any{
		"Content-Type": "text/csv",
		"Filename":     "a.csv",
		"content":      base64.StdEncoding.EncodeToString([]byte("a,b")),
	}}, raw["Attachments"])
	// an empty text part is still sent
	assert.Equal(t, "", raw["Text-part"])
}

func TestFormatRecipients(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		To: email.AddressList{{Address: "a@x.com", Name: "Alice"}, {Address: "b@x.com"}},
		Cc: email.AddressList{{Address: "c@x.com", Name: "Carol"}},
	}

	assert.Equal(t, "Alice <a@x.com>,b@x.com,Carol <c@x.com>", FormatRecipients(msg))
}

func TestMediaType(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"text/plain":                  "text/plain",
		"Text/HTML":                   "text/html",
		"text/html; charset=utf-8":    "text/html",
		" text/plain ; format=flowed": "text/plain",
		"text/plain; broken=\"":       "text/plain",
	}

	for in, want := range tests {
		assert.Equal(t, want, mediaType(in), "input %q", in)
	}
}
