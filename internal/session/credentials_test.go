package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/backend/backendtest"
	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/metrics"
)

func seedSession(t *testing.T, store Store, cred backend.Credential) Session {
	t.Helper()
	s := Session{
		ID:               "C1",
		VendorID:         "U1",
		Channel:          channel.Telegram,
		PreviousID:       InitialID,
		NextID:           CurrentID,
		ParticipantToken: "PT1",
		Credential:       cred,
		TranscriptRef:    NoTranscript,
		CreatedAt:        time.Now(),
	}
	if _, _, err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func TestCredentialCache_ValidCredentialSkipsBackend(t *testing.T) {
	t.Parallel()

	client := backendtest.New()
	store := NewMemoryStore()
	s := seedSession(t, store, backend.Credential{Token: "live", ExpiresAt: time.Now().Add(time.Hour)})
	cache := NewCredentialCache(nil, store, client, 30*time.Second, nil)

	cred, err := cache.Get(context.Background(), &s)
	if err != nil || cred.Token != "live" {
		t.Fatalf("get = %+v, %v", cred, err)
	}
	if client.ConnectionCount() != 0 {
		t.Fatalf("valid credential must not reconnect")
	}
}

func TestCredentialCache_ConcurrentRefreshSharesCall(t *testing.T) {
	t.Parallel()

	client := backendtest.New()
	store := NewMemoryStore()
	seeded := seedSession(t, store, backend.Credential{})
	m := metrics.New("test")
	cache := NewCredentialCache(nil, store, client, 30*time.Second, m)

	const n = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := seeded
			<-start
			if _, err := cache.Get(context.Background(), &s); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Callers arriving after the shared call finished may refresh again, but
	// never once each.
	if got := client.ConnectionCount(); got == 0 || got >= n {
		t.Fatalf("connection calls = %d", got)
	}
	stored, _ := store.Get(context.Background(), "C1")
	if stored.Credential.Token == "" {
		t.Fatalf("credential not persisted")
	}
	if got := testutil.ToFloat64(m.CredentialRefresh.WithLabelValues("ok")); got == 0 {
		t.Fatalf("refresh metric not recorded")
	}
}

func TestCredentialCache_Errors(t *testing.T) {
	t.Parallel()

	client := backendtest.New()
	client.ErrCreateConnection = errors.New("access denied")
	store := NewMemoryStore()
	s := seedSession(t, store, backend.Credential{})
	cache := NewCredentialCache(nil, store, client, 0, nil)

	if _, err := cache.Get(context.Background(), &s); err == nil {
		t.Fatalf("expected backend error")
	}

	orphan := Session{ID: "C9"}
	if _, err := cache.Get(context.Background(), &orphan); err == nil {
		t.Fatalf("expected error for session without participant token")
	}
}
