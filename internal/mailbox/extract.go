package mailbox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"html"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
)

var ErrEmptyMessage = errors.New("mailbox: message has no payload")

type bodies struct {
	html  []string
	plain []string
}

// ExtractContent renders the subject, sender and date headers followed by the
// body. HTML parts win over plain text; parts are walked recursively and
// same-kind parts are joined with newlines.
func ExtractContent(msg Message) (string, error) {
	if msg.Payload == nil {
		return "", ErrEmptyMessage
	}

	subject := msg.Header("Subject")
	from := msg.Header("From")
	date := msg.Header("Date")

	var b bodies
	collectBodies(msg.Payload, &b)

	var sb strings.Builder
	if len(b.html) > 0 {
		sb.WriteString("<div style='font-family: Arial, sans-serif; padding: 10px; border-bottom: 1px solid #ddd; margin-bottom: 10px;'>")
		sb.WriteString("<strong>Subject:</strong> " + html.EscapeString(subject) + "<br>")
		sb.WriteString("<strong>From:</strong> " + html.EscapeString(from) + "<br>")
		sb.WriteString("<strong>Date:</strong> " + html.EscapeString(date))
		sb.WriteString("</div><div style='font-family: Arial, sans-serif;'>")
		sb.WriteString(strings.Join(b.html, "\n"))
		sb.WriteString("</div>")
		return sb.String(), nil
	}

	sb.WriteString("Subject: " + subject + "\n")
	sb.WriteString("From: " + from + "\n")
	sb.WriteString("Date: " + date + "\n\n")
	sb.WriteString(strings.Join(b.plain, "\n"))
	return sb.String(), nil
}

func collectBodies(p *Part, b *bodies) {
	if p == nil {
		return
	}
	if p.Data != "" && (p.MimeType == "text/html" || p.MimeType == "text/plain") {
		if text, ok := decodeBody(p.Data, partCharset(p)); ok && text != "" {
			if p.MimeType == "text/html" {
				b.html = append(b.html, text)
			} else {
				b.plain = append(b.plain, text)
			}
		}
	}
	for _, sub := range p.Parts {
		collectBodies(sub, b)
	}
}

// decodeBody tries base64url first, then padded standard base64. Parts that
// decode with neither are skipped. The result is always valid UTF-8 without
// NUL bytes, whatever the declared charset.
func decodeBody(data, cs string) (string, bool) {
	raw, ok := decodeBase64(data)
	if !ok {
		return "", false
	}
	return toUTF8(raw, cs), true
}

func decodeBase64(data string) ([]byte, bool) {
	trimmed := strings.TrimRight(data, "=")
	if raw, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return raw, true
	}

	padded := data
	if rem := len(padded) % 4; rem > 0 {
		padded += strings.Repeat("=", 4-rem)
	}
	if raw, err := base64.StdEncoding.DecodeString(padded); err == nil {
		return raw, true
	}
	return nil, false
}

// toUTF8 converts raw from cs. Unknown charsets and undecodable bytes become
// U+FFFD instead of failing the part.
func toUTF8(raw []byte, cs string) string {
	cs = strings.ToLower(strings.TrimSpace(cs))
	if cs != "" && cs != "utf-8" && cs != "utf8" && cs != "us-ascii" {
		if r, err := charset.Reader(cs, bytes.NewReader(raw)); err == nil {
			if decoded, err := io.ReadAll(r); err == nil {
				raw = decoded
			}
		}
	}
	text := strings.ToValidUTF8(string(raw), "\uFFFD")
	return strings.ReplaceAll(text, "\x00", "")
}

// partCharset reads the charset parameter of the part's Content-Type.
func partCharset(p *Part) string {
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, "Content-Type") {
			continue
		}
		if _, params, err := mime.ParseMediaType(h.Value); err == nil {
			return params["charset"]
		}
		return ""
	}
	return ""
}
