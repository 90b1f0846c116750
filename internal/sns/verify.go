package sns

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // SignatureVersion 1 is SHA1withRSA.
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrInvalidSignature is returned when a delivery is unsigned or its
// signature does not verify against the SNS signing certificate.
var ErrInvalidSignature = errors.New("invalid sns signature")

const maxCertBytes = 64 << 10

// Verifier checks SNS message signatures. Signing certificates are fetched
// once per URL and cached.
type Verifier struct {
	logger *slog.Logger
	client *http.Client
	// AllowHost reports whether SigningCertURL may be fetched.
	AllowHost func(host string) bool
	// RequireTLS rejects non-https certificate URLs.
	RequireTLS bool

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

// NewVerifier creates a Verifier that only trusts certificates served by SNS.
func NewVerifier(log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		logger:     log.With(slog.String("component", "sns_verify")),
		client:     &http.Client{Timeout: 10 * time.Second},
		AllowHost:  IsSNSHost,
		RequireTLS: true,
		certs:      make(map[string]*x509.Certificate),
	}
}

// WithClient replaces the HTTP client used to fetch certificates.
func (v *Verifier) WithClient(client *http.Client) *Verifier {
	if client != nil {
		v.client = client
	}
	return v
}

// Verify checks the signature of m. Every failure wraps ErrInvalidSignature.
func (v *Verifier) Verify(ctx context.Context, m Message) error {
	var (
		hash crypto.Hash
		sum  []byte
	)
	canonical, err := StringToSign(m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	switch m.SignatureVersion {
	case "1":
		h := sha1.Sum([]byte(canonical)) //nolint:gosec
		hash, sum = crypto.SHA1, h[:]
	case "2":
		h := sha256.Sum256([]byte(canonical))
		hash, sum = crypto.SHA256, h[:]
	default:
		return fmt.Errorf("%w: unsupported signature version %q", ErrInvalidSignature, m.SignatureVersion)
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
	}
	cert, err := v.certificate(ctx, m.SigningCertURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signing certificate key is not RSA", ErrInvalidSignature)
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, sum, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

func (v *Verifier) certificate(ctx context.Context, raw string) (*x509.Certificate, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (v.RequireTLS && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid signing cert url %q", raw)
	}
	if v.AllowHost != nil && !v.AllowHost(u.Hostname()) {
		return nil, fmt.Errorf("signing cert host %q not allowed", u.Hostname())
	}
	if !strings.HasSuffix(u.Path, ".pem") {
		return nil, fmt.Errorf("signing cert url %q is not a pem file", raw)
	}
	key := u.String()

	v.mu.Lock()
	cert, ok := v.certs[key]
	v.mu.Unlock()
	if ok {
		return cert, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch signing cert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch signing cert: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("read signing cert: %w", err)
	}
	block, _ := pem.Decode(body)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("signing cert is not a pem certificate")
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing cert: %w", err)
	}

	v.mu.Lock()
	v.certs[key] = cert
	v.mu.Unlock()
	v.logger.Debug("signing cert cached", slog.String("url", key))
	return cert, nil
}

// StringToSign builds the canonical text SNS signs for m.
func StringToSign(m Message) (string, error) {
	type field struct{ name, value string }
	var fields []field
	switch m.Type {
	case TypeNotification:
		fields = []field{{"Message", m.Message}, {"MessageId", m.MessageID}}
		if m.Subject != "" {
			fields = append(fields, field{"Subject", m.Subject})
		}
		fields = append(fields,
			field{"Timestamp", m.Timestamp},
			field{"TopicArn", m.TopicARN},
			field{"Type", m.Type},
		)
	case TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		fields = []field{
			{"Message", m.Message},
			{"MessageId", m.MessageID},
			{"SubscribeURL", m.SubscribeURL},
			{"Timestamp", m.Timestamp},
			{"Token", m.Token},
			{"TopicArn", m.TopicARN},
			{"Type", m.Type},
		}
	default:
		return "", fmt.Errorf("unsupported message type %q", m.Type)
	}
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.name)
		b.WriteByte('\n')
		b.WriteString(f.value)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
