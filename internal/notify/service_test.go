package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runforge/controlplane/pkg/contracts"
	"github.com/runforge/controlplane/pkg/models"
)

type capturedRequest struct {
	event     contracts.NotificationEvent
	signature string
}

func TestPublish_DeliversSignedWebhook(t *testing.T) {
	var mu sync.Mutex
	var got []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev contracts.NotificationEvent
		require.NoError(t, json.Unmarshal(body, &ev))

		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		require.Equal(t, want, r.Header.Get("X-ControlPlane-Signature"))
		require.Equal(t, ev.Type, r.Header.Get("X-ControlPlane-Event"))

		mu.Lock()
		got = append(got, capturedRequest{event: ev, signature: r.Header.Get("X-ControlPlane-Signature")})
		mu.Unlock()
	}))
	defer srv.Close()

	svc := NewService([]Channel{{Kind: "webhook", URL: srv.URL, Secret: "s3cret"}})
	svc.Publish(models.Event{
		RunID:      "run-1",
		Sequence:   4,
		Type:       models.EventRunSucceeded,
		OccurredAt: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, models.EventRunSucceeded, got[0].event.Type)
	require.Equal(t, "run-1", got[0].event.RunID)
}

func TestPublish_IgnoresUninterestingEvents(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	svc := NewService([]Channel{{Kind: "webhook", URL: srv.URL}})
	svc.Publish(models.Event{RunID: "run-1", Type: models.EventStepStarted})
	svc.Publish(models.Event{RunID: "run-1", Type: models.EventStepSucceeded})

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, hits, "step-level events must not notify")
}

func TestPublish_NoChannelsIsNoop(t *testing.T) {
	svc := NewService(nil)
	// Must not panic or spawn work.
	svc.Publish(models.Event{RunID: "run-1", Type: models.EventRunFailed})
}

func TestNewService_RegistersOnlyWebhookDriver(t *testing.T) {
	svc := NewService(nil)
	require.NotNil(t, svc.GetDriver("webhook"))
	require.Nil(t, svc.GetDriver("slack"))
}
