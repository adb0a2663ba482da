// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/shineum/mailjet-relay/internal/email"
)

// Parse parses a raw RFC 5322 email message into an email.Message.
//
// A single-part message becomes the primary body. In a multipart message
// every text part is kept as a MimePart child in document order, and the
// primary body is the first text/html part, or the first text/plain part
// when there is no HTML. Binary parts become Attachment children, or
// InlineImage children when marked inline or carrying a Content-ID.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Message{
		Headers: make(map[string][]string, len(msg.Header)),
	}
	for key, values := range msg.Header {
		result.Headers[key] = values
	}

	dec := new(mime.WordDecoder)
	result.Subject = decodeHeader(dec, msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.From = email.ParseAddressList(msg.Header.Get("From"))
	result.To = email.ParseAddressList(msg.Header.Get("To"))
	result.Cc = email.ParseAddressList(msg.Header.Get("Cc"))
	result.Bcc = email.ParseAddressList(msg.Header.Get("Bcc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.Body = string(body)
		result.ContentType = "text/plain"
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		selectPrimaryBody(result)
		return result, nil
	}

	body, err := readContent(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if !strings.HasPrefix(mediaType, "text/") {
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
	}
	result.Body = string(body)
	result.ContentType = mediaType

	return result, nil
}

// parseMultipart walks a multipart body and appends its parts to result.Children.
func parseMultipart(body io.Reader, boundary string, result *email.Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := readContent(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		result.Children = append(result.Children, classifyPart(part, mediaType, params, content))
	}

	return nil
}

// classifyPart turns a leaf MIME part into the matching email.Part variant.
func classifyPart(part *multipart.Part, mediaType string, params map[string]string, content []byte) email.Part {
	disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	contentID := strings.Trim(part.Header.Get("Content-Id"), "<> ")
	isText := strings.HasPrefix(mediaType, "text/")

	switch {
	case disposition == "attachment":
		return email.Attachment{
			ContentType: mediaType,
			Filename:    extractFilename(part.Header, params, mediaType),
			Body:        content,
		}
	case isText:
		return email.MimePart{ContentType: mediaType, Body: content}
	case disposition == "inline" || contentID != "":
		return email.InlineImage{
			ContentType: mediaType,
			Filename:    extractFilename(part.Header, params, mediaType),
			ContentID:   contentID,
			Body:        content,
		}
	default:
		return email.Attachment{
			ContentType: mediaType,
			Filename:    extractFilename(part.Header, params, mediaType),
			Body:        content,
		}
	}
}

// selectPrimaryBody sets Body from the first text/html child, falling back
// to the first text/plain child.
func selectPrimaryBody(result *email.Message) {
	var plain *email.MimePart
	for _, child := range result.Children {
		p, ok := child.(email.MimePart)
		if !ok {
			continue
		}
		switch p.ContentType {
		case "text/html":
			result.Body = string(p.Body)
			result.ContentType = p.ContentType
			return
		case "text/plain":
			if plain == nil {
				plain = &p
			}
		}
	}
	if plain != nil {
		result.Body = string(plain.Body)
		result.ContentType = plain.ContentType
	}
}

// readContent reads a body, decoding base64 and quoted-printable
// Content-Transfer-Encoding. multipart.Reader decodes quoted-printable parts
// itself and drops the header, so those arrive here unencoded.
func readContent(r io.Reader, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	if encoding == "quoted-printable" {
		decoded, err := io.ReadAll(quotedprintable.NewReader(r))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if encoding != "base64" {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Try with RawStdEncoding for unpadded base64
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters, and falls back to a name
// derived from the media type.
func extractFilename(header textproto.MIMEHeader, params map[string]string, mediaType string) string {
	if _, dispParams, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil {
		if fn := dispParams["filename"]; fn != "" {
			return fn
		}
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, subtype, ok := strings.Cut(mediaType, "/"); ok && subtype != "" {
		return "attachment." + subtype
	}
	return "attachment"
}

// decodeHeader decodes RFC 2047 encoded words, returning the raw value when
// decoding fails.
func decodeHeader(dec *mime.WordDecoder, value string) string {
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
