// Package redact scrubs personal data from customer text before it reaches
// the chat backend.
package redact

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/memohai/chatbridge/internal/config"
)

// Modes accepted by New.
const (
	ModeOff        = "off"
	ModeComprehend = "comprehend"
	ModePattern    = "pattern"
)

// Redactor rewrites text with sensitive spans masked. An error means the text
// must not be forwarded.
type Redactor interface {
	Redact(ctx context.Context, text string) (string, error)
}

// New builds the Redactor selected by cfg.Mode.
func New(log *slog.Logger, cfg config.RedactionConfig, awsCfg aws.Config, timeout time.Duration) (Redactor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeOff:
		return Nop{}, nil
	case ModePattern:
		return Pattern{}, nil
	case ModeComprehend:
		return NewComprehend(log, awsCfg, ComprehendConfig{
			EntityTypes: cfg.EntityTypes,
			Language:    cfg.Language,
			Timeout:     timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown redaction mode %q", cfg.Mode)
	}
}

// Nop returns text unchanged.
type Nop struct{}

func (Nop) Redact(_ context.Context, text string) (string, error) {
	return text, nil
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Pattern masks emails and card or phone numbers with regular
// expressions. It needs no network access.
type Pattern struct{}

func (Pattern) Redact(_ context.Context, text string) (string, error) {
	out := emailPattern.ReplaceAllString(text, "<EMAIL>")
	// Cards before phones so long digit runs are not labelled as phone numbers.
	out = cardPattern.ReplaceAllString(out, "<CREDIT_DEBIT_NUMBER>")
	out = phonePattern.ReplaceAllString(out, "<PHONE>")
	return out, nil
}
