package channel_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/memohai/chatbridge/internal/channel"
)

type mockAdapter struct {
	ct channel.ChannelType
}

func (a *mockAdapter) Type() channel.ChannelType { return a.ct }

func (a *mockAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.ct, DisplayName: "Mock"}
}

func (a *mockAdapter) NormalizeInbound(body []byte) ([]channel.Message, error) { return nil, nil }

func (a *mockAdapter) ValidateInbound(ctx context.Context, headers http.Header, body []byte) bool {
	return true
}

func (a *mockAdapter) DeliverOutbound(ctx context.Context, vendorID, text string) bool { return true }

type verifyingAdapter struct {
	mockAdapter
}

func (a *verifyingAdapter) VerifySubscription(ctx context.Context, mode, token string) bool {
	return token == "ok"
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	if err := reg.Register(&mockAdapter{ct: channel.SMS}); err != nil {
		t.Fatalf("register sms: %v", err)
	}
	if err := reg.Register(&mockAdapter{ct: channel.SMS}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register(&mockAdapter{ct: channel.ChannelType("line")}); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if err := reg.Register(nil); err == nil {
		t.Fatalf("expected nil adapter error")
	}
}

func TestRegistry_GetNormalizesType(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{ct: channel.WhatsApp})
	if _, ok := reg.Get(channel.ChannelType(" WhatsApp ")); !ok {
		t.Fatalf("expected lookup to normalize case and whitespace")
	}
	if _, ok := reg.Get(channel.Facebook); ok {
		t.Fatalf("facebook should not be registered")
	}
}

func TestRegistry_ParseChannelType(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{ct: channel.Telegram})

	ct, err := reg.ParseChannelType("TELEGRAM")
	if err != nil || ct != channel.Telegram {
		t.Fatalf("ParseChannelType(TELEGRAM) = (%q, %v)", ct, err)
	}
	if _, err := reg.ParseChannelType("sms"); err == nil {
		t.Fatalf("expected error for supported but unregistered channel")
	}
	if _, err := reg.ParseChannelType("line"); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestRegistry_ListAndTypesSorted(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{ct: channel.WhatsApp})
	reg.MustRegister(&mockAdapter{ct: channel.Facebook})
	reg.MustRegister(&mockAdapter{ct: channel.SMS})

	types := reg.Types()
	want := []channel.ChannelType{channel.Facebook, channel.SMS, channel.WhatsApp}
	if len(types) != len(want) {
		t.Fatalf("Types() = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("Types()[%d] = %q, want %q", i, types[i], want[i])
		}
	}
	if got := len(reg.List()); got != 3 {
		t.Fatalf("List() len = %d", got)
	}
}

func TestRegistry_SubscriptionVerifier(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{ct: channel.SMS})
	reg.MustRegister(&verifyingAdapter{mockAdapter{ct: channel.Facebook}})

	if v, ok := reg.GetSubscriptionVerifier(channel.SMS); ok || v != nil {
		t.Fatalf("sms should not verify subscriptions")
	}
	v, ok := reg.GetSubscriptionVerifier(channel.Facebook)
	if !ok || v == nil {
		t.Fatalf("facebook should verify subscriptions")
	}
	if !v.VerifySubscription(context.Background(), "subscribe", "ok") {
		t.Fatalf("expected verification to pass")
	}
}

func TestChannelType_Valid(t *testing.T) {
	t.Parallel()

	for _, ct := range channel.AllTypes() {
		if !ct.Valid() {
			t.Fatalf("%q should be valid", ct)
		}
	}
	if channel.ChannelType("instagram").Valid() {
		t.Fatalf("instagram should not be valid")
	}
}

func TestIdentity_Validate(t *testing.T) {
	t.Parallel()

	if err := (channel.Identity{Channel: channel.SMS, VendorID: "+15551234567"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (channel.Identity{Channel: channel.SMS, VendorID: "  "}).Validate(); err == nil {
		t.Fatalf("expected error for blank vendor id")
	}
	if err := (channel.Identity{Channel: "fax", VendorID: "1"}).Validate(); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}
