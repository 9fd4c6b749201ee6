package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// slackTimestampTolerance rejects replayed Slack requests.
const slackTimestampTolerance = 5 * time.Minute

// verifySignature checks the provider's HMAC-SHA256 signature over the raw
// body. Comparison is constant-time.
func verifySignature(kind string, secret []byte, header http.Header, rawBody []byte) error {
	switch kind {
	case "linear":
		return verifyHex(secret, header.Get("Linear-Signature"), rawBody)
	case "github":
		sig := header.Get("X-Hub-Signature-256")
		if !strings.HasPrefix(sig, "sha256=") {
			return fmt.Errorf("missing sha256= prefix")
		}
		return verifyHex(secret, strings.TrimPrefix(sig, "sha256="), rawBody)
	case "slack":
		return verifySlack(secret, header, rawBody)
	case "", "generic":
		return verifyHex(secret, header.Get("X-Signature"), rawBody)
	default:
		return fmt.Errorf("unknown provider kind %q", kind)
	}
}

func verifyHex(secret []byte, sigHex string, signed []byte) error {
	if sigHex == "" {
		return fmt.Errorf("missing signature header")
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("malformed signature")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(signed)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// verifySlack signs the timestamped base string "v0:<ts>:<body>".
func verifySlack(secret []byte, header http.Header, rawBody []byte) error {
	ts := header.Get("X-Slack-Request-Timestamp")
	sig := header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return fmt.Errorf("missing slack signature headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed slack timestamp")
	}
	if d := time.Since(time.Unix(unix, 0)); d > slackTimestampTolerance || d < -slackTimestampTolerance {
		return fmt.Errorf("slack timestamp outside tolerance")
	}
	if !strings.HasPrefix(sig, "v0=") {
		return fmt.Errorf("missing v0= prefix")
	}
	base := fmt.Sprintf("v0:%s:%s", ts, rawBody)
	return verifyHex(secret, strings.TrimPrefix(sig, "v0="), []byte(base))
}

// deliveryID extracts the provider's delivery id header for idempotency.
func deliveryID(kind string, header http.Header) string {
	switch kind {
	case "github":
		return header.Get("X-GitHub-Delivery")
	case "linear":
		return header.Get("Linear-Delivery")
	case "slack":
		// Slack has no delivery header; the event id lives in the body and is
		// handled by the caller when configured.
		return ""
	default:
		return header.Get("X-Delivery-Id")
	}
}
