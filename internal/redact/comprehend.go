package redact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/comprehend/types"
)

// AllEntityTypes selects every PII entity type Comprehend reports.
const AllEntityTypes = "ALL"

type comprehendAPI interface {
	DetectPiiEntities(ctx context.Context, params *comprehend.DetectPiiEntitiesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectPiiEntitiesOutput, error)
}

type ComprehendConfig struct {
	EntityTypes []string
	Language    string
	Timeout     time.Duration
}

// Comprehend replaces PII entities detected by AWS Comprehend with "<TYPE>".
type Comprehend struct {
	logger   *slog.Logger
	api      comprehendAPI
	types    map[string]struct{}
	all      bool
	language types.LanguageCode
	timeout  time.Duration
}

func NewComprehend(log *slog.Logger, awsCfg aws.Config, cfg ComprehendConfig) *Comprehend {
	return newComprehend(log, comprehend.NewFromConfig(awsCfg), cfg)
}

func newComprehend(log *slog.Logger, api comprehendAPI, cfg ComprehendConfig) *Comprehend {
	if log == nil {
		log = slog.Default()
	}
	c := &Comprehend{
		logger:   log.With(slog.String("component", "redact")),
		api:      api,
		types:    map[string]struct{}{},
		language: types.LanguageCode(strings.TrimSpace(cfg.Language)),
		timeout:  cfg.Timeout,
	}
	if c.language == "" {
		c.language = types.LanguageCodeEn
	}
	for _, raw := range cfg.EntityTypes {
		for _, name := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
			name = strings.ToUpper(name)
			if name == AllEntityTypes {
				c.all = true
			}
			c.types[name] = struct{}{}
		}
	}
	if len(c.types) == 0 {
		c.all = true
	}
	return c
}

func (c *Comprehend) wanted(t types.PiiEntityType) bool {
	if c.all {
		return true
	}
	_, ok := c.types[string(t)]
	return ok
}

// Redact calls DetectPiiEntities and masks the selected entity spans.
func (c *Comprehend) Redact(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.api.DetectPiiEntities(ctx, &comprehend.DetectPiiEntitiesInput{
		Text:         aws.String(text),
		LanguageCode: c.language,
	})
	if err != nil {
		c.logger.Error("detect pii entities failed", slog.Any("error", err))
		return "", fmt.Errorf("detect pii entities: %w", err)
	}
	spans := make([]span, 0, len(out.Entities))
	for _, e := range out.Entities {
		if !c.wanted(e.Type) {
			continue
		}
		spans = append(spans, span{
			begin: int(aws.ToInt32(e.BeginOffset)),
			end:   int(aws.ToInt32(e.EndOffset)),
			label: string(e.Type),
		})
	}
	c.logger.Debug("pii entities detected", slog.Int("entities", len(out.Entities)), slog.Int("redacted", len(spans)))
	return maskSpans(text, spans), nil
}

type span struct {
	begin, end int
	label      string
}

// maskSpans replaces character spans with their labels. Offsets count
// characters, not bytes. Overlapping spans are merged and take the label of
// the one that starts first. Spans running past the end are clipped.
func maskSpans(text string, spans []span) string {
	runes := []rune(text)
	merged := mergeSpans(spans, len(runes))
	if len(merged) == 0 {
		return text
	}
	var b strings.Builder
	pos := 0
	for _, s := range merged {
		b.WriteString(string(runes[pos:s.begin]))
		b.WriteString("<" + s.label + ">")
		pos = s.end
	}
	b.WriteString(string(runes[pos:]))
	return b.String()
}

func mergeSpans(spans []span, limit int) []span {
	valid := make([]span, 0, len(spans))
	for _, s := range spans {
		if s.end > limit {
			s.end = limit
		}
		if s.begin < 0 || s.begin >= s.end {
			continue
		}
		valid = append(valid, s)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].begin < valid[j].begin })
	var out []span
	for _, s := range valid {
		if n := len(out); n > 0 && s.begin < out[n-1].end {
			out[n-1].end = max(out[n-1].end, s.end)
			continue
		}
		out = append(out, s)
	}
	return out
}
