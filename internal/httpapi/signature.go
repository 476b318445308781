package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrVerification covers every way a signature can fail. Callers log the
// detail; senders only ever learn that verification failed.
var ErrVerification = errors.New("webhook signature verification failed")

const SignatureHeader = "X-Retell-Signature"

// VerifySignature checks a "v=<unix ts>,d=<hex digest>" header against an
// HMAC-SHA256 of "<ts>.<body>". The digest comparison is constant time and
// the timestamp must fall inside the tolerance window on either side.
func VerifySignature(
	secret, header string, body []byte, tolerance time.Duration, now time.Time,
) error {
	var timestampPart, digestPart string

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)

		switch {
		case strings.HasPrefix(part, "v="):
			timestampPart = strings.TrimPrefix(part, "v=")
		case strings.HasPrefix(part, "d="):
			digestPart = strings.TrimPrefix(part, "d=")
		}
	}

	if timestampPart == "" || digestPart == "" {
		return fmt.Errorf("%w: malformed header", ErrVerification)
	}

	timestamp, err := strconv.ParseInt(timestampPart, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrVerification)
	}

	delta := now.Sub(time.Unix(timestamp, 0))
	if delta > tolerance || delta < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance window", ErrVerification)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampPart))
	mac.Write([]byte("."))
	mac.Write(body)

	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(digestPart)) {
		return fmt.Errorf("%w: digest mismatch", ErrVerification)
	}

	return nil
}
