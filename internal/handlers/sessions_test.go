package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/session"
)

type fakeSessions struct {
	items  map[string]session.Session
	closed []string
	err    error
}

func (f *fakeSessions) Get(_ context.Context, id string) (session.Session, error) {
	if f.err != nil {
		return session.Session{}, f.err
	}
	s, ok := f.items[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) Chain(ctx context.Context, id string) ([]session.Session, error) {
	s, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []session.Session{s}
	if prev, ok := f.items[s.PreviousID]; ok {
		chain = append([]session.Session{prev}, chain...)
	}
	return chain, nil
}

func (f *fakeSessions) Close(ctx context.Context, id string) (session.Session, error) {
	s, err := f.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.ClosedAt = &at
	f.items[id] = s
	f.closed = append(f.closed, id)
	return s, nil
}

func newFakeSessions() *fakeSessions {
	closedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fakeSessions{items: map[string]session.Session{
		"c-1": {ID: "c-1", VendorID: "+15550100", Channel: channel.SMS, PreviousID: session.InitialID, NextID: "c-2", ClosedAt: &closedAt},
		"c-2": {ID: "c-2", VendorID: "+15550100", Channel: channel.SMS, PreviousID: "c-1", NextID: session.CurrentID, ParticipantToken: "secret"},
	}}
}

func newSessionContext(method, target, id string) (echo.Context, *httptest.ResponseRecorder) {
	c, rec := newRequestContext(echo.New(), method, target, "")
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func TestSessionsHandlerGet(t *testing.T) {
	t.Parallel()

	h := NewSessionsHandler(nil, newFakeSessions())
	c, rec := newSessionContext(http.MethodGet, "/api/sessions/c-2", "c-2")
	if err := h.Get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["id"] != "c-2" || got["open"] != true || got["previous_id"] != "c-1" {
		t.Fatalf("unexpected body %v", got)
	}
	if _, leaked := got["ParticipantToken"]; leaked {
		t.Fatalf("participant token must not be serialized")
	}

	c, _ = newSessionContext(http.MethodGet, "/api/sessions/missing", "missing")
	if code := httpErrorCode(t, h.Get(c)); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	c, _ = newSessionContext(http.MethodGet, "/api/sessions/", " ")
	if code := httpErrorCode(t, h.Get(c)); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestSessionsHandlerChain(t *testing.T) {
	t.Parallel()

	h := NewSessionsHandler(nil, newFakeSessions())
	c, rec := newSessionContext(http.MethodGet, "/api/sessions/c-2/chain", "c-2")
	if err := h.Chain(c); err != nil {
		t.Fatalf("chain: %v", err)
	}
	var got struct {
		Items []struct {
			ID   string `json:"id"`
			Open bool   `json:"open"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Items) != 2 || got.Items[0].ID != "c-1" || got.Items[0].Open || !got.Items[1].Open {
		t.Fatalf("unexpected chain %+v", got.Items)
	}
}

func TestSessionsHandlerClose(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	h := NewSessionsHandler(nil, sessions)
	c, rec := newSessionContext(http.MethodDelete, "/api/sessions/c-2", "c-2")
	if err := h.Close(c); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec.Code != http.StatusOK || len(sessions.closed) != 1 {
		t.Fatalf("expected close, code=%d closed=%v", rec.Code, sessions.closed)
	}

	failing := &fakeSessions{err: errors.New("connection reset")}
	c, _ = newSessionContext(http.MethodDelete, "/api/sessions/c-2", "c-2")
	if code := httpErrorCode(t, NewSessionsHandler(nil, failing).Close(c)); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}
