// Package ses implements a Transport that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/shineum/mailjet-relay/internal/email"
	"github.com/shineum/mailjet-relay/internal/transport"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the message's From address when set.
	Sender string
}

// Transport sends emails via the AWS SES v2 API, one SendEmail call per
// message.
type Transport struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Transport with the given configuration. Static credentials
// are used when both keys are set; otherwise the default AWS credential
// chain applies.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Transport{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Transport {
	return &Transport{
		sender: sender,
		client: client,
	}
}

var _ transport.Transport = (*Transport)(nil)

// IsStarted always returns true; the SDK client manages its own connections.
func (t *Transport) IsStarted() bool { return true }

// Start is a no-op.
func (t *Transport) Start() bool { return true }

// Stop is a no-op.
func (t *Transport) Stop() bool { return true }

// RegisterPlugin is a no-op.
func (t *Transport) RegisterPlugin(transport.Plugin) {}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "ses"
}

// Send delivers msg with a single SendEmail call. Messages carrying
// attachments or inline images are sent as raw MIME; everything else uses
// simple content. The returned response is the SDK's raw HTTP response when
// it is available. failedRecipients is never written.
func (t *Transport) Send(ctx context.Context, msg *email.Message, failedRecipients *[]string) (*http.Response, error) {
	from := t.sender
	if from == "" {
		first, ok := msg.From.First()
		if !ok {
			return nil, &transport.MalformedMessageError{Field: "from address"}
		}
		from = first.String()
	}

	c := resolveContent(msg)

	var input *sesv2.SendEmailInput
	if len(c.attachments) > 0 {
		raw, err := buildRawMessage(from, msg, c)
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(from, msg, c)
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		slog.Warn("SES API error", "error", err)

		var withStatus interface{ HTTPStatusCode() int }
		if errors.As(err, &withStatus) {
			return nil, &transport.Error{Transport: t.Name(), StatusCode: withStatus.HTTPStatusCode(), Err: err}
		}
		return nil, &transport.Error{Transport: t.Name(), Err: err}
	}

	slog.Debug("SES accepted message", "message_id", aws.ToString(out.MessageId))

	if raw, ok := awsmiddleware.GetRawResponse(out.ResultMetadata).(*smithyhttp.Response); ok {
		return raw.Response, nil
	}
	return nil, nil
}

// content is the message body resolved for SES.
type content struct {
	html        string
	text        string
	attachments []attachment
}

type attachment struct {
	contentType string
	filename    string
	contentID   string
	inline      bool
	data        []byte
}

// resolveContent picks the HTML and text bodies and collects binary parts.
// The primary body counts as text when it was declared text/plain and as
// HTML otherwise; later text/plain and text/html children replace it.
func resolveContent(msg *email.Message) content {
	var c content

	if strings.HasPrefix(strings.ToLower(msg.ContentType), "text/plain") {
		c.text = msg.Body
	} else {
		c.html = msg.Body
	}

	for _, child := range msg.Children {
		switch p := child.(type) {
		case email.Attachment:
			c.attachments = append(c.attachments, attachment{
				contentType: p.ContentType,
				filename:    p.Filename,
				data:        p.Body,
			})
		case email.InlineImage:
			c.attachments = append(c.attachments, attachment{
				contentType: p.ContentType,
				filename:    p.Filename,
				contentID:   p.ContentID,
				inline:      true,
				data:        p.Body,
			})
		case email.MimePart:
			mt, _, err := mime.ParseMediaType(p.ContentType)
			if err != nil {
				continue
			}
			switch mt {
			case "text/plain":
				c.text = string(p.Body)
			case "text/html":
				c.html = string(p.Body)
			}
		}
	}

	return c
}

func destination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To.Formatted(),
		CcAddresses:  msg.Cc.Formatted(),
		BccAddresses: msg.Bcc.Formatted(),
	}
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(from string, msg *email.Message, c content) *sesv2.SendEmailInput {
	body := &types.Body{}

	if c.html != "" {
		body.Html = &types.Content{
			Data:    aws.String(c.html),
			Charset: aws.String("UTF-8"),
		}
	}
	if c.text != "" {
		body.Text = &types.Content{
			Data:    aws.String(c.text),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage constructs a multipart/mixed MIME message. When both
// bodies are present they are nested in a multipart/alternative part.
func buildRawMessage(from string, msg *email.Message, c content) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To.Formatted(), ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc.Formatted(), ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if err := writeBody(writer, c); err != nil {
		return nil, err
	}

	for _, att := range c.attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")

		disposition := "attachment"
		if att.inline {
			disposition = "inline"
			if att.contentID != "" {
				attHeader.Set("Content-ID", "<"+att.contentID+">")
			}
		}
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("%s; filename=%s", disposition, mime.QEncoding.Encode("UTF-8", att.filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.data))); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBody(writer *multipart.Writer, c content) error {
	switch {
	case c.html != "" && c.text != "":
		var alt bytes.Buffer
		altWriter := multipart.NewWriter(&alt)
		if err := writeTextPart(altWriter, "text/plain", c.text); err != nil {
			return err
		}
		if err := writeTextPart(altWriter, "text/html", c.html); err != nil {
			return err
		}
		if err := altWriter.Close(); err != nil {
			return fmt.Errorf("failed to close alternative writer: %w", err)
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary()))
		part, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("failed to create body part: %w", err)
		}
		if _, err := part.Write(alt.Bytes()); err != nil {
			return fmt.Errorf("failed to write body part: %w", err)
		}
		return nil
	case c.html != "":
		return writeTextPart(writer, "text/html", c.html)
	case c.text != "":
		return writeTextPart(writer, "text/plain", c.text)
	default:
		return nil
	}
}

func writeTextPart(writer *multipart.Writer, mediaType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", mediaType+"; charset=UTF-8")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}
	return nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
