// Package imap reads inbound replies from a mailbox without altering it.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

// TLS modes
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Config configures the inbound mailbox
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                string
	InsecureSkipVerify bool
	Folder             string
	Timeout            time.Duration
}

// InboundMessage holds the threading headers of one received message
type InboundMessage struct {
	SeqNum     uint32
	MessageID  string
	From       string
	Subject    string
	Date       time.Time
	InReplyTo  string
	References []string // oldest first, as sent
}

// headerSection fetches only the threading headers and leaves \Seen untouched
var headerSection = &imap.BodySectionName{
	BodyPartName: imap.BodyPartName{
		Specifier: imap.HeaderSpecifier,
		Fields:    []string{"References", "In-Reply-To"},
	},
	Peek: true,
}

// Reader lists unseen messages of one mailbox
type Reader struct {
	cfg    Config
	logger *slog.Logger
}

// NewReader creates a new mailbox reader
func NewReader(cfg Config, logger *slog.Logger) *Reader {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSImplicit
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	return &Reader{
		cfg:    cfg,
		logger: logger.With("component", "imap"),
	}
}

// unseenCriteria matches unseen messages by their Date header, not by when
// the server stored them.
func unseenCriteria(since time.Time) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.SentSince = since
	return criteria
}

// ListUnseen returns unseen messages received since the given time.
// The folder is opened read-only so flags are not changed.
func (r *Reader) ListUnseen(ctx context.Context, since time.Time) ([]InboundMessage, error) {
	c, conn, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	// unblock pending commands when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := c.Select(r.cfg.Folder, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", r.cfg.Folder, err)
	}

	seqNums, err := c.Search(unseenCriteria(since))
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	items := []imap.FetchItem{imap.FetchEnvelope, headerSection.FetchItem()}
	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, ch)
	}()

	messages := make([]InboundMessage, 0, len(seqNums))
	for msg := range ch {
		in, err := parseMessage(msg)
		if err != nil {
			r.logger.Warn("skipping unparsable message", "seq", msg.SeqNum, "error", err)
			continue
		}
		messages = append(messages, *in)
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	r.logger.Debug("fetched unseen messages", "count", len(messages), "folder", r.cfg.Folder)
	return messages, nil
}

func (r *Reader) connect(ctx context.Context) (*client.Client, net.Conn, error) {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         r.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: r.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	var conn net.Conn
	var err error
	if r.cfg.TLS == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to greet %s: %w", addr, err)
	}
	c.Timeout = r.cfg.Timeout

	if r.cfg.TLS == TLSStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout()
			return nil, nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if err := r.login(c); err != nil {
		c.Logout()
		return nil, nil, err
	}
	return c, conn, nil
}

// login prefers SASL PLAIN and falls back to LOGIN
func (r *Reader) login(c *client.Client) error {
	if ok, _ := c.SupportAuth(sasl.Plain); ok {
		if err := c.Authenticate(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return nil
	}
	if err := c.Login(r.cfg.Username, r.cfg.Password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}

func parseMessage(msg *imap.Message) (*InboundMessage, error) {
	if msg.Envelope == nil {
		return nil, errors.New("missing envelope")
	}

	in := &InboundMessage{
		SeqNum:    msg.SeqNum,
		MessageID: strings.Trim(strings.TrimSpace(msg.Envelope.MessageId), "<>"),
		Subject:   msg.Envelope.Subject,
		Date:      msg.Envelope.Date,
		InReplyTo: firstID(msg.Envelope.InReplyTo),
	}
	if len(msg.Envelope.From) > 0 {
		in.From = strings.ToLower(msg.Envelope.From[0].Address())
	}

	if body := msg.GetBody(headerSection); body != nil {
		m, err := mail.ReadMessage(body)
		if err == nil {
			in.References = ParseIDList(m.Header.Get("References"))
			if in.InReplyTo == "" {
				in.InReplyTo = firstID(m.Header.Get("In-Reply-To"))
			}
		}
	}

	if in.From == "" {
		return nil, errors.New("missing sender")
	}
	return in, nil
}

// ParseIDList splits a References style header into bare message ids
func ParseIDList(v string) []string {
	var ids []string
	for _, f := range strings.Fields(v) {
		for _, part := range strings.Split(f, "><") {
			id := strings.Trim(part, "<>,")
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func firstID(v string) string {
	ids := ParseIDList(v)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
