package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/comm-dispatch/internal/domain"
)

type recordingApplier struct {
	mu     sync.Mutex
	events []domain.ProviderEvent
}

func (a *recordingApplier) Apply(_ context.Context, ev domain.ProviderEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func TestHandlerSendGrid(t *testing.T) {
	applier := &recordingApplier{}
	srv := httptest.NewServer(NewHandler(applier, "").Routes(nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/sendgrid", "application/json",
		strings.NewReader(`[{"email":"a@test.com","timestamp":1700000000,"event":"delivered","communication_recipient_guid":"g-1"}]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, applier.events, 1)
	assert.Equal(t, "g-1", applier.events[0].RecipientGUID)

	resp, err = http.Post(srv.URL+"/webhooks/sendgrid", "application/json", strings.NewReader(`nope`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerMailgunRejectsBadSignature(t *testing.T) {
	applier := &recordingApplier{}
	srv := httptest.NewServer(NewHandler(applier, "signing-key").Routes(nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/mailgun", "application/json",
		strings.NewReader(string(mailgunBody("wrong-key", "opened", ""))))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, applier.events)

	resp, err = http.Post(srv.URL+"/webhooks/mailgun", "application/json",
		strings.NewReader(string(mailgunBody("signing-key", "opened", ""))))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, applier.events, 1)
}

func TestHandlerSESSubscriptionConfirmation(t *testing.T) {
	confirmed := make(chan struct{}, 1)
	sns := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		confirmed <- struct{}{}
	}))
	defer sns.Close()

	srv := httptest.NewServer(NewHandler(&recordingApplier{}, "").Routes(nil))
	defer srv.Close()

	body := `{"Type":"SubscriptionConfirmation","SubscribeURL":"` + sns.URL + `/confirm"}`
	resp, err := http.Post(srv.URL+"/webhooks/ses", "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, confirmed, 1)
}

func TestHandlerSESNotification(t *testing.T) {
	applier := &recordingApplier{}
	srv := httptest.NewServer(NewHandler(applier, "").Routes(nil))
	defer srv.Close()

	body := `{"Type":"Notification","MessageId":"m-1","Message":"{\"eventType\":\"Open\",\"mail\":{\"messageId\":\"ses-1\",\"tags\":{\"communication_recipient_guid\":[\"g-7\"]}},\"open\":{\"ipAddress\":\"1.2.3.4\"}}"}`
	resp, err := http.Post(srv.URL+"/webhooks/ses", "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Len(t, applier.events, 1)
	assert.Equal(t, domain.EventOpen, applier.events[0].Event)
	assert.Equal(t, "g-7", applier.events[0].RecipientGUID)
	assert.Equal(t, "1.2.3.4", applier.events[0].IP)
}

func TestHandlerStats(t *testing.T) {
	h := NewHandler(&recordingApplier{}, "")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sparkpost",
		strings.NewReader(`[{"msys":{"track_event":{"type":"click","rcpt_to":"a@test.com","timestamp":"1700000000"}}}]`))
	rec := httptest.NewRecorder()
	h.Routes(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), h.Stats()["events_received"])
	assert.Equal(t, int64(1), h.Stats()["events_applied"])
}
