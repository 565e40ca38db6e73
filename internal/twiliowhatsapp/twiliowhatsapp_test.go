package twiliowhatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	require.NoError(t, mock.SendMessage(ctx, "12345", "Hello Test"))
	require.NoError(t, mock.SendMedia(ctx, "12345", "caption", "https://host/media/a.webm"))

	assert.Equal(t, []SentMessage{{To: "12345", Body: "Hello Test"}}, mock.Messages())
	assert.Equal(t, "https://host/media/a.webm", mock.Media()[0].MediaURL)
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	_, err := NewClient()
	assert.Error(t, err)

	_, err = NewClient(WithAccountSID("AC1"), WithAuthToken("tok"))
	assert.Error(t, err, "missing sender number")

	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+1 555 0100"))
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+15550100", c.fromWhats)
}

func TestNewClient_EnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "envtok")
	t.Setenv("TWILIO_FROM_NUMBER", "whatsapp:+14155238886")

	c, err := NewClient()
	require.NoError(t, err)
	assert.Equal(t, "ACenv", c.accountSID)
	assert.Equal(t, "whatsapp:+14155238886", c.fromWhats)
}

func TestCanonicalNumber(t *testing.T) {
	assert.Equal(t, "15550100", CanonicalNumber("whatsapp:+1 555-0100"))
	assert.Equal(t, "15550100", CanonicalNumber("15550100"))
	assert.Equal(t, "whatsapp:+15550100", WhatsAppAddress("15550100"))
	assert.Equal(t, "whatsapp:+15550100", WhatsAppAddress("whatsapp:+15550100"))
}

func TestDownloadMedia_UsesBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("gifdata"))
	}))
	defer srv.Close()

	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("1555"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "in.gif")
	require.NoError(t, c.DownloadMedia(t.Context(), srv.URL+"/media/1", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "gifdata", string(data))

	bad, err := NewClient(WithAccountSID("AC1"), WithAuthToken("wrong"), WithFromWhats("1555"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Error(t, bad.DownloadMedia(t.Context(), srv.URL+"/media/1", dst))
}
