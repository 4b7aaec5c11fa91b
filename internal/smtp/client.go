package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/dripline/internal/dkim"
)

// TLS modes
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Config configures the submission relay used for outbound mail
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                string
	InsecureSkipVerify bool
	Timeout            time.Duration
	Helo               string
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Client submits messages to a relay
type Client struct {
	cfg        Config
	logger     *slog.Logger
	dkimSigner *dkim.Signer
	now        func() time.Time
}

// NewClient creates a new SMTP client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.Helo == "" {
		cfg.Helo = "localhost"
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "smtp"),
		now:    time.Now,
	}
}

// SetDKIMSigner sets the DKIM signer for outgoing messages
func (c *Client) SetDKIMSigner(signer *dkim.Signer) {
	c.dkimSigner = signer
}

// Send submits one message. The Message-ID header carries msg.MessageID verbatim,
// so the returned id equals the requested one.
func (c *Client) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg.MessageID == "" {
		return nil, &DeliveryError{Message: "message id is required"}
	}
	if msg.To == "" {
		return nil, &DeliveryError{Message: "no valid recipients"}
	}

	data, err := BuildMessage(msg, c.now())
	if err != nil {
		return nil, &DeliveryError{Message: fmt.Sprintf("failed to build message: %v", err)}
	}

	if c.dkimSigner != nil {
		signed, err := c.dkimSigner.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", c.dkimSigner.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	if err := c.submit(ctx, msg.From, msg.To, data); err != nil {
		return nil, err
	}

	c.logger.Info("message sent",
		"to", msg.To,
		"message_id", msg.MessageID,
	)
	return &SendResult{MessageID: strings.Trim(msg.MessageID, "<>")}, nil
}

func (c *Client) submit(ctx context.Context, from, to string, data []byte) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         c.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}

	conn, err := c.dial(ctx, addr, tlsConfig)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	var client *smtp.Client
	if c.cfg.TLS == TLSStartTLS {
		// the relay must offer STARTTLS; credentials never travel in clear text
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return categorizeError(err, "STARTTLS")
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	if err := client.Hello(c.cfg.Helo); err != nil {
		return categorizeError(err, "HELO")
	}

	if c.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", to))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()
	return nil
}

func (c *Client) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	if c.cfg.TLS == TLSImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		return td.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code < 500,
			Code:      smtpErr.Code,
			Message:   msg,
		}
	}

	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		code, _ := strconv.Atoi(matches[1])
		return &DeliveryError{
			Temporary: code < 500,
			Code:      code,
			Message:   msg,
		}
	}

	// network and protocol failures are retried
	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
