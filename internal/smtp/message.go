package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
)

// Message is one outbound email
type Message struct {
	From      string
	FromName  string
	To        string
	ToName    string
	Subject   string
	HTML      string
	MessageID string // without angle brackets
}

// SendResult reports the identifier the message was sent with
type SendResult struct {
	MessageID string
}

// BuildMessage renders msg as an RFC 5322 message with CRLF line endings
func BuildMessage(msg *Message, date time.Time) ([]byte, error) {
	id := strings.Trim(msg.MessageID, "<>")
	if id == "" || !strings.Contains(id, "@") || strings.ContainsAny(id, "<>\r\n ") {
		return nil, fmt.Errorf("invalid message id %q", msg.MessageID)
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return nil, fmt.Errorf("subject contains line breaks")
	}

	from := &mail.Address{Name: msg.FromName, Address: msg.From}
	to := &mail.Address{Name: msg.ToName, Address: msg.To}

	var buf bytes.Buffer
	header := func(k, v string) {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", "<"+id+">")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/html; charset=UTF-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.HTML)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
