package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-webhook-secret"

func signBody(secret string, body []byte, issuedAt time.Time) string {
	timestamp := strconv.FormatInt(issuedAt.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	return fmt.Sprintf("v=%s,d=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignatureValid(t *testing.T) {
	now := time.Now()
	body := []byte(`{"event":"call_started"}`)
	header := signBody(testSecret, body, now)

	err := VerifySignature(testSecret, header, body, 5*time.Minute, now)
	require.NoError(t, err)
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	now := time.Now()
	body := []byte(`{"event":"call_started"}`)
	header := signBody("other-secret", body, now)

	err := VerifySignature(testSecret, header, body, 5*time.Minute, now)
	require.ErrorIs(t, err, ErrVerification)
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	now := time.Now()
	header := signBody(testSecret, []byte(`{"event":"call_started"}`), now)

	err := VerifySignature(testSecret, header, []byte(`{"event":"call_ended"}`), 5*time.Minute, now)
	require.ErrorIs(t, err, ErrVerification)
}

func TestVerifySignatureStaleTimestamp(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	header := signBody(testSecret, body, now.Add(-10*time.Minute))

	err := VerifySignature(testSecret, header, body, 5*time.Minute, now)
	require.ErrorIs(t, err, ErrVerification)
}

func TestVerifySignatureFutureTimestamp(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	header := signBody(testSecret, body, now.Add(10*time.Minute))

	err := VerifySignature(testSecret, header, body, 5*time.Minute, now)
	require.ErrorIs(t, err, ErrVerification)
}

func TestVerifySignatureMalformedHeaders(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)

	for _, header := range []string{
		"",
		"v=,d=",
		"d=deadbeef",
		"v=" + strconv.FormatInt(now.Unix(), 10),
		"v=notanumber,d=deadbeef",
	} {
		err := VerifySignature(testSecret, header, body, 5*time.Minute, now)
		require.ErrorIs(t, err, ErrVerification, "header %q", header)
	}
}
