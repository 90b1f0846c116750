package outbound

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/backend/backendtest"
	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/metrics"
	"github.com/memohai/chatbridge/internal/session"
)

type delivery struct {
	VendorID, Text string
}

type recordingAdapter struct {
	channelType channel.ChannelType
	mu          sync.Mutex
	fail        bool
	deliveries  []delivery
}

func (a *recordingAdapter) Type() channel.ChannelType { return a.channelType }

func (a *recordingAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.channelType}
}

func (a *recordingAdapter) ValidateInbound(context.Context, http.Header, []byte) bool { return true }

func (a *recordingAdapter) NormalizeInbound([]byte) ([]channel.Message, error) { return nil, nil }

func (a *recordingAdapter) DeliverOutbound(_ context.Context, vendorID, text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliveries = append(a.deliveries, delivery{VendorID: vendorID, Text: text})
	return !a.fail
}

func (a *recordingAdapter) sent() []delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]delivery(nil), a.deliveries...)
}

type fixture struct {
	router  *Router
	manager *session.Manager
	sms     *recordingAdapter
	fb      *recordingAdapter
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	smsAdapter := &recordingAdapter{channelType: channel.SMS}
	fbAdapter := &recordingAdapter{channelType: channel.Facebook}
	registry := channel.NewRegistry()
	registry.MustRegister(smsAdapter)
	registry.MustRegister(fbAdapter)

	client := backendtest.New()
	store := session.NewMemoryStore()
	m := metrics.New("outbound_test")
	mgr := session.NewManager(nil, store, client, session.NewCredentialCache(nil, store, client, time.Second, m), nil, m)
	return fixture{
		router:  NewRouter(nil, registry, mgr, Config{}, m),
		manager: mgr,
		sms:     smsAdapter,
		fb:      fbAdapter,
		metrics: m,
	}
}

func (f fixture) open(t *testing.T, identity channel.Identity) session.Session {
	t.Helper()
	s, err := f.manager.ResolveOrCreate(context.Background(), identity)
	require.NoError(t, err)
	return s
}

func agentMessage(contactID, text string) Envelope {
	return Envelope{
		Source: "aws:sns",
		Attributes: Attributes{
			InitialContactID:  contactID,
			ContentType:       "text/plain",
			ParticipantRole:   RoleAgent,
			MessageVisibility: VisibilityAll,
		},
		Payload: []byte(`{"Id":"m1","Type":"MESSAGE","ContentType":"text/plain","Content":"` + text + `","ParticipantRole":"AGENT"}`),
	}
}

func TestRoute_DeliversAgentMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, channel.Identity{Channel: channel.Facebook, VendorID: "U1"})

	decision, err := f.router.Route(context.Background(), agentMessage(s.ID, "How can I help?"))
	require.NoError(t, err)
	assert.Equal(t, DecisionDelivered, decision)
	assert.Equal(t, []delivery{{VendorID: "U1", Text: "How can I help?"}}, f.fb.sent())
	assert.Empty(t, f.sms.sent())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("facebook", "ok")))
}

func TestRoute_ChatEndedClosesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, channel.Identity{Channel: channel.SMS, VendorID: "U1"})
	require.Equal(t, "C1", s.ID)

	env := agentMessage("C1", "bye")
	env.Attributes.ContentType = backend.ContentTypeChatEnded
	env.Attributes.ParticipantRole = RoleSystem

	decision, err := f.router.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, DecisionClosed, decision)
	assert.Empty(t, f.sms.sent())

	_, err = f.manager.Lookup(context.Background(), "C1")
	assert.ErrorIs(t, err, session.ErrClosed)

	// A second terminal event is harmless, and later agent messages are dropped.
	decision, err = f.router.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, DecisionClosed, decision)
	decision, _ = f.router.Route(context.Background(), agentMessage("C1", "late reply"))
	assert.Equal(t, DecisionDroppedNotFound, decision)
	assert.Empty(t, f.sms.sent())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OutboundDecisions.WithLabelValues(string(DecisionClosed))))
}

func TestRoute_Filters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"})

	cases := []struct {
		name   string
		mutate func(*Envelope)
		want   Decision
	}{
		{"wrong source", func(e *Envelope) { e.Source = "aws:sqs" }, DecisionDroppedSource},
		{"participant left", func(e *Envelope) { e.Attributes.ContentType = backend.ContentTypeParticipantLeft }, DecisionDroppedParticipantLeft},
		{"missing content type", func(e *Envelope) { e.Attributes.ContentType = "" }, DecisionDroppedParticipantLeft},
		{"customer visible to all", func(e *Envelope) {
			e.Attributes.ParticipantRole = RoleCustomer
			e.Attributes.MessageVisibility = VisibilityAll
		}, DecisionDroppedCustomer},
		{"customer without visibility", func(e *Envelope) {
			e.Attributes.ParticipantRole = RoleCustomer
			e.Attributes.MessageVisibility = ""
		}, DecisionDroppedCustomer},
		{"missing role counts as customer", func(e *Envelope) { e.Attributes.ParticipantRole = "" }, DecisionDroppedCustomer},
		{"unknown contact", func(e *Envelope) { e.Attributes.InitialContactID = "C404" }, DecisionDroppedNotFound},
		{"typing event payload", func(e *Envelope) {
			e.Payload = []byte(`{"Type":"EVENT","ContentType":"application/vnd.amazonaws.connect.event.typing"}`)
		}, DecisionDroppedEvent},
		{"empty content", func(e *Envelope) { e.Payload = []byte(`{"Type":"MESSAGE","Content":""}`) }, DecisionDroppedEvent},
		{"bad payload", func(e *Envelope) { e.Payload = []byte(`{`) }, DecisionDroppedInvalid},
	}
	for _, tc := range cases {
		env := agentMessage(s.ID, "should not be sent")
		tc.mutate(&env)
		decision, err := f.router.Route(context.Background(), env)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, decision, tc.name)
		assert.True(t, decision.Dropped(), tc.name)
	}
	assert.Empty(t, f.sms.sent())
}

func TestRoute_CustomerEchoMarker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"})

	env := agentMessage(s.ID, "copy of your message")
	env.Attributes.ParticipantRole = RoleCustomer
	env.Attributes.MessageVisibility = "customer"

	decision, err := f.router.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, DecisionDelivered, decision)
	assert.Len(t, f.sms.sent(), 1)
}

func TestRoute_AttachmentAndFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.open(t, channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"})

	env := agentMessage(s.ID, "")
	env.Payload = []byte(`{"Type":"ATTACHMENT","Attachments":[{"AttachmentId":"a1","AttachmentName":"invoice.pdf","ContentType":"application/pdf"}]}`)
	decision, err := f.router.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, DecisionDelivered, decision)
	assert.Equal(t, "Agent sent an attachment: invoice.pdf", f.sms.sent()[0].Text)

	f.sms.mu.Lock()
	f.sms.fail = true
	f.sms.mu.Unlock()
	decision, err = f.router.Route(context.Background(), agentMessage(s.ID, "retry?"))
	require.NoError(t, err)
	assert.Equal(t, DecisionFailed, decision)
	assert.Len(t, f.sms.sent(), 2, "failed deliveries are not retried")
}

type brokenLookup struct{}

func (brokenLookup) Lookup(context.Context, string) (session.Session, error) {
	return session.Session{}, errors.New("connection refused")
}

func (brokenLookup) Close(context.Context, string) (session.Session, error) {
	return session.Session{}, errors.New("connection refused")
}

func TestRoute_StoreFailureIsReturned(t *testing.T) {
	t.Parallel()

	router := NewRouter(nil, channel.NewRegistry(), brokenLookup{}, Config{}, nil)
	_, err := router.Route(context.Background(), agentMessage("C1", "x"))
	assert.Error(t, err)

	env := agentMessage("C1", "x")
	env.Attributes.ContentType = backend.ContentTypeChatEnded
	_, err = router.Route(context.Background(), env)
	assert.Error(t, err)
}
