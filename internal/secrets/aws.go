package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager reads JSON secret blobs from AWS Secrets Manager.
type SecretsManager struct {
	logger  *slog.Logger
	api     secretsManagerAPI
	timeout time.Duration
}

// NewSecretsManager creates a provider backed by the given AWS configuration.
func NewSecretsManager(log *slog.Logger, cfg aws.Config, timeout time.Duration) *SecretsManager {
	return newSecretsManager(log, secretsmanager.NewFromConfig(cfg), timeout)
}

func newSecretsManager(log *slog.Logger, api secretsManagerAPI, timeout time.Duration) *SecretsManager {
	if log == nil {
		log = slog.Default()
	}
	return &SecretsManager{
		logger:  log.With(slog.String("provider", "secretsmanager")),
		api:     api,
		timeout: timeout,
	}
}

// GetSecret fetches and decodes the named secret.
func (p *SecretsManager) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	p.logger.Debug("secret fetched", slog.String("name", name))
	return decodeBlob(aws.ToString(out.SecretString))
}

// decodeBlob parses a flat JSON object, stringifying non-string values.
// Numbers keep their literal text so long ids are not rounded.
func decodeBlob(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case string:
			out[k] = value
		case json.Number:
			out[k] = value.String()
		case nil:
		default:
			out[k] = fmt.Sprint(value)
		}
	}
	return out, nil
}
