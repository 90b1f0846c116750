package inbound

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/backend/backendtest"
	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/sms"
	"github.com/memohai/chatbridge/internal/metrics"
	"github.com/memohai/chatbridge/internal/redact"
	"github.com/memohai/chatbridge/internal/session"
)

type fakeAdapter struct {
	channelType channel.ChannelType
	valid       bool
	msgs        []channel.Message
	err         error
}

func (f *fakeAdapter) Type() channel.ChannelType { return f.channelType }

func (f *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: f.channelType, Signed: true}
}

func (f *fakeAdapter) ValidateInbound(context.Context, http.Header, []byte) bool { return f.valid }

func (f *fakeAdapter) NormalizeInbound([]byte) ([]channel.Message, error) { return f.msgs, f.err }

func (f *fakeAdapter) DeliverOutbound(context.Context, string, string) bool { return true }

type failingRedactor struct{}

func (failingRedactor) Redact(context.Context, string) (string, error) {
	return "", errors.New("comprehend unavailable")
}

type fixture struct {
	processor *Processor
	client    *backendtest.Client
	store     *session.MemoryStore
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, redactor redact.Redactor, adapters ...channel.ChannelAdapter) fixture {
	t.Helper()
	registry := channel.NewRegistry()
	for _, a := range adapters {
		registry.MustRegister(a)
	}
	client := backendtest.New()
	store := session.NewMemoryStore()
	m := metrics.New("inbound_test")
	creds := session.NewCredentialCache(nil, store, client, 30*time.Second, m)
	mgr := session.NewManager(nil, store, client, creds, nil, m)
	return fixture{
		processor: NewProcessor(nil, registry, mgr, client, redactor, m),
		client:    client,
		store:     store,
		metrics:   m,
	}
}

func TestHandleWebhook_NewSMSIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, sms.NewSMSAdapter(nil, aws.Config{Region: "us-east-1"}, sms.Config{}))
	body := []byte(`{"originationNumber":"+15551234567","destinationNumber":"+15550000000","messageBody":"Hello"}`)

	summary, err := f.processor.HandleWebhook(context.Background(), channel.SMS, http.Header{}, body)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if summary.Received != 1 || summary.Delivered != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if f.client.ContactCount() != 1 {
		t.Fatalf("expected one backend contact, got %d", f.client.ContactCount())
	}
	s, err := f.store.Query(context.Background(), channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if s.PreviousID != session.InitialID || s.Credential.Token == "" {
		t.Fatalf("unexpected session: %+v", s)
	}
	sent := f.client.SentMessages()
	if len(sent) != 1 || sent[0].Text != "Hello" || sent[0].Token != s.Credential.Token {
		t.Fatalf("unexpected backend messages: %+v", sent)
	}
	if got := testutil.ToFloat64(f.metrics.InboundMessages.WithLabelValues("sms", ResultDelivered)); got != 1 {
		t.Fatalf("delivered metric = %v", got)
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: channel.Facebook, msgs: []channel.Message{{
		Identity: channel.Identity{Channel: channel.Facebook, VendorID: "U1"},
		Role:     channel.RoleCustomer, Kind: channel.KindText, Text: "hi",
	}}}
	f := newFixture(t, nil, adapter)

	_, err := f.processor.HandleWebhook(context.Background(), channel.Facebook, http.Header{}, []byte(`{}`))
	if !errors.Is(err, channel.ErrInvalidSignature) {
		t.Fatalf("err = %v", err)
	}
	if f.client.ContactCount() != 0 || len(f.client.SentMessages()) != 0 {
		t.Fatalf("invalid request must not reach the backend")
	}
}

func TestHandleWebhook_UnknownAndMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, &fakeAdapter{channelType: channel.WhatsApp, valid: true, err: errors.New("bad json")})
	if _, err := f.processor.HandleWebhook(context.Background(), channel.Telegram, nil, nil); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("unregistered channel err = %v", err)
	}
	if _, err := f.processor.HandleWebhook(context.Background(), channel.WhatsApp, nil, []byte(`{`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("malformed err = %v", err)
	}
}

func TestProcess_EventsAndSkips(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	id := channel.Identity{Channel: channel.WhatsApp, VendorID: "15551234567"}
	summary := f.processor.Process(context.Background(), []channel.Message{
		{Identity: id, Role: channel.RoleCustomer, EventType: channel.EventTyping},
		{Identity: id, Role: channel.RoleCustomer, Kind: channel.KindUnsupported, EventType: channel.EventContent},
		{Identity: id, Role: channel.RoleCustomer, Kind: channel.KindText, Text: "  ", EventType: channel.EventContent},
		{Identity: id, Role: channel.RoleCustomer, EventType: channel.EventChatEnded},
		{Identity: id, Role: channel.RoleCustomer, EventType: channel.EventConnectionAck},
		{Identity: id, Role: channel.RoleCustomer, Kind: channel.KindText, Text: "order 42", EventType: channel.EventContent},
	})
	if summary.Delivered != 3 || summary.Skipped != 3 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	events := f.client.SentEvents()
	if len(events) != 2 || events[0].ContentType != backend.ContentTypeTyping || events[1].ContentType != backend.ContentTypeAcknowledged {
		t.Fatalf("events = %+v", events)
	}
	if f.client.ContactCount() != 1 {
		t.Fatalf("all messages for one identity must share a session, contacts = %d", f.client.ContactCount())
	}
}

func TestProcess_RedactionFailsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, failingRedactor{})
	summary := f.processor.Process(context.Background(), []channel.Message{{
		Identity: channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"},
		Role:     channel.RoleCustomer, Kind: channel.KindText, Text: "my ssn is 123-45-6789",
	}})
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(f.client.SentMessages()) != 0 {
		t.Fatalf("unredacted text must never reach the backend")
	}
	if f.client.ContactCount() != 0 {
		t.Fatalf("redaction failure must not start a contact")
	}
}

func TestProcess_RedactsBeforeSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, redact.Pattern{})
	f.processor.Process(context.Background(), []channel.Message{{
		Identity: channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"},
		Role:     channel.RoleCustomer, Kind: channel.KindText, Text: "reach me at ana@example.com",
	}})
	sent := f.client.SentMessages()
	if len(sent) != 1 || sent[0].Text != "reach me at <EMAIL>" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestProcess_BackendFailureDropsMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.client.ErrStartContact = errors.New("throttled")
	summary := f.processor.Process(context.Background(), []channel.Message{{
		Identity: channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"},
		Role:     channel.RoleCustomer, Kind: channel.KindText, Text: "Hello",
	}})
	if summary.Failed != 1 || len(f.client.SentMessages()) != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := testutil.ToFloat64(f.metrics.InboundMessages.WithLabelValues("sms", ResultFailed)); got != 1 {
		t.Fatalf("failed metric = %v", got)
	}
}

func TestProcess_EndedContactStartsNewSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	identity := channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"}
	msg := channel.Message{Identity: identity, Role: channel.RoleCustomer, Kind: channel.KindText, Text: "first"}
	if s := f.processor.Process(context.Background(), []channel.Message{msg}); s.Delivered != 1 {
		t.Fatalf("summary = %+v", s)
	}
	first, err := f.store.Query(context.Background(), identity)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	f.client.End(first.Credential.Token)

	msg.Text = "second"
	if s := f.processor.Process(context.Background(), []channel.Message{msg}); s.Delivered != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if f.client.ContactCount() != 2 {
		t.Fatalf("expected a replacement contact, contacts = %d", f.client.ContactCount())
	}
	closed, err := f.store.Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if closed.Open() {
		t.Fatalf("ended session must be closed")
	}
	latest, err := f.store.Query(context.Background(), identity)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if latest.PreviousID != first.ID {
		t.Fatalf("new session must chain after %s, got %+v", first.ID, latest)
	}
	sent := f.client.SentMessages()
	if len(sent) != 2 || sent[1].Text != "second" || sent[1].Token != latest.Credential.Token {
		t.Fatalf("sent = %+v", sent)
	}
}
