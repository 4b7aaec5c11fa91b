package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders lists the headers covered by the signature of campaign mail
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

// Signer signs outbound messages for one domain
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     strings.ToLower(domain),
		selector:   selector,
	}
}

// Load creates a signer from a PEM key file
func Load(keyFile, domain, selector string) (*Signer, error) {
	privateKey, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(privateKey, domain, selector), nil
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Verify checks the signatures of message against this signer's public key
// instead of DNS. It fails when no signature of the signer's domain verifies.
func (s *Signer) Verify(message []byte) error {
	record := (&KeyPair{PrivateKey: s.privateKey, Domain: s.domain, Selector: s.selector}).DNSRecord()
	name := s.selector + "._domainkey." + s.domain

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(message), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if strings.EqualFold(domain, name) {
				return []string{record}, nil
			}
			return nil, fmt.Errorf("no record for %s", domain)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to verify message: %w", err)
	}

	for _, v := range verifications {
		if strings.EqualFold(v.Domain, s.domain) && v.Err == nil {
			return nil
		}
	}
	return fmt.Errorf("no valid signature for %s", s.domain)
}

// selfCheckMessage is signed and verified by SelfCheck
const selfCheckMessage = "From: check@%s\r\n" +
	"To: check@%s\r\n" +
	"Subject: dkim self check\r\n" +
	"Message-ID: <self-check@%s>\r\n" +
	"\r\n" +
	"ok\r\n"

// SelfCheck signs a fixed message and verifies it with the key's own public record
func (s *Signer) SelfCheck() error {
	msg := fmt.Sprintf(selfCheckMessage, s.domain, s.domain, s.domain)
	signed, err := s.Sign([]byte(msg))
	if err != nil {
		return err
	}
	return s.Verify(signed)
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}
