package secrets

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type countingProvider struct {
	mu    sync.Mutex
	calls int
	blob  map[string]string
	errs  []error
}

func (p *countingProvider) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return p.blob, nil
}

func TestCache_FetchesOnce(t *testing.T) {
	t.Parallel()

	provider := &countingProvider{blob: map[string]string{"APP_SECRET": "s3cret"}}
	cache := NewCache(nil, provider, "fb")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := cache.Value(context.Background(), "APP_SECRET"); err != nil || v != "s3cret" {
				t.Errorf("Value = (%q, %v)", v, err)
			}
		}()
	}
	wg.Wait()
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}
}

func TestCache_NotConfiguredIsSticky(t *testing.T) {
	t.Parallel()

	provider := &countingProvider{errs: []error{ErrNotFound}}
	cache := NewCache(nil, provider, "wa")
	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background()); !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("call %d: expected ErrNotConfigured, got %v", i, err)
		}
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}
}

func TestCache_BlankNameNeverCallsProvider(t *testing.T) {
	t.Parallel()

	provider := &countingProvider{blob: map[string]string{"k": "v"}}
	cache := NewCache(nil, provider, " ")
	if _, err := cache.Get(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("provider should not be called")
	}
}

func TestCache_TransientErrorRetries(t *testing.T) {
	t.Parallel()

	provider := &countingProvider{
		blob: map[string]string{"TG_BOT_TOKEN": "123:abc"},
		errs: []error{errors.New("throttled")},
	}
	cache := NewCache(nil, provider, "tg")
	if _, err := cache.Get(context.Background()); err == nil || errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("second call should succeed: %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls)
	}
}

func TestCache_MissingKey(t *testing.T) {
	t.Parallel()

	cache := NewCache(nil, Static{"fb": {"APP_SECRET": "x"}}, "fb")
	if _, err := cache.Value(context.Background(), "PAGE_TOKEN"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestEnv_GetSecret(t *testing.T) {
	t.Parallel()

	env := map[string]string{"CHATBRIDGE_WHATSAPP": `{"WA_PHONE_NUMBER_ID": 1234, "WA_ACCESS_TOKEN": "tok"}`}
	p := &Env{lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}

	blob, err := p.GetSecret(context.Background(), "chatbridge-whatsapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob["WA_PHONE_NUMBER_ID"] != "1234" || blob["WA_ACCESS_TOKEN"] != "tok" {
		t.Fatalf("unexpected blob: %#v", blob)
	}
	if _, err := p.GetSecret(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type fakeSecretsManager struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.out, f.err
}

func TestSecretsManager_GetSecret(t *testing.T) {
	t.Parallel()

	p := newSecretsManager(nil, &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"APP_SECRET":"a","PAGE_TOKEN":"b"}`),
	}}, 0)
	blob, err := p.GetSecret(context.Background(), "fb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob["APP_SECRET"] != "a" || blob["PAGE_TOKEN"] != "b" {
		t.Fatalf("unexpected blob: %#v", blob)
	}

	missing := newSecretsManager(nil, &fakeSecretsManager{err: &types.ResourceNotFoundException{}}, 0)
	if _, err := missing.GetSecret(context.Background(), "fb"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecodeBlob_KeepsNumberText(t *testing.T) {
	t.Parallel()

	blob, err := decodeBlob(`{"WA_PHONE_NUMBER_ID": 123456789012345, "RATIO": 0.5, "ENABLED": true, "EMPTY": null}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if blob["WA_PHONE_NUMBER_ID"] != "123456789012345" {
		t.Fatalf("phone number id = %q", blob["WA_PHONE_NUMBER_ID"])
	}
	if blob["RATIO"] != "0.5" || blob["ENABLED"] != "true" {
		t.Fatalf("unexpected blob: %#v", blob)
	}
	if _, ok := blob["EMPTY"]; ok {
		t.Fatalf("null values must be omitted")
	}
	if _, err := decodeBlob(`[1,2]`); err == nil {
		t.Fatalf("expected error for non-object blob")
	}
}
