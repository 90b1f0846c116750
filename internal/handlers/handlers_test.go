package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatbridge/internal/channel"
)

type fakeAdapter struct {
	channelType channel.ChannelType
}

func (a *fakeAdapter) Type() channel.ChannelType { return a.channelType }

func (a *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.channelType, DisplayName: a.channelType.String()}
}

func (a *fakeAdapter) NormalizeInbound([]byte) ([]channel.Message, error) { return nil, nil }

func (a *fakeAdapter) ValidateInbound(context.Context, http.Header, []byte) bool { return true }

func (a *fakeAdapter) DeliverOutbound(context.Context, string, string) bool { return true }

type verifyingAdapter struct {
	fakeAdapter
	token string
}

func (a *verifyingAdapter) VerifySubscription(_ context.Context, mode, token string) bool {
	return mode == "subscribe" && token == a.token
}

func newTestRegistry(t *testing.T) *channel.Registry {
	t.Helper()
	registry := channel.NewRegistry()
	registry.MustRegister(&fakeAdapter{channelType: channel.SMS})
	registry.MustRegister(&verifyingAdapter{fakeAdapter: fakeAdapter{channelType: channel.Facebook}, token: "verify-me"})
	return registry
}

func newRequestContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpErrorCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestPingHandler(t *testing.T) {
	t.Parallel()

	h := NewPingHandler(nil)
	e := echo.New()
	c, rec := newRequestContext(e, http.MethodGet, "/ping", "")
	if err := h.Ping(c); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
