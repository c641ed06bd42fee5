package submitter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mozilla/autophone/internal/metrics"
	"github.com/mozilla/autophone/pkg/autophone"
)

// TreeherderConfig holds the external results-service connection parameters.
type TreeherderConfig struct {
	URL      string // e.g. "https://treeherder.mozilla.org"
	ClientID string
	Secret   string
	Tier     string
}

// RedactSecret returns a redacted version of a Hawk secret for logs, mirroring
// the teacher's redfish.RedactPassword convention.
func RedactSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

// TreeherderPoster POSTs a results submission's payload to Treeherder's
// project job-collection endpoint, signed with Hawk-style HMAC credentials.
type TreeherderPoster struct {
	cfg    TreeherderConfig
	client *http.Client
}

// NewTreeherderPoster constructs a TreeherderPoster with conservative HTTP
// timeouts, matching the teacher's preference for explicit deadlines over
// the zero-value http.Client.
func NewTreeherderPoster(cfg TreeherderConfig) *TreeherderPoster {
	return &TreeherderPoster{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Post implements Poster.
func (p *TreeherderPoster) Post(ctx context.Context, sub autophone.ResultsSubmission) error {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/api/project/%s/jobs/", strings.TrimRight(p.cfg.URL, "/"), sub.Project)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(sub.Payload))
	if err != nil {
		return fmt.Errorf("build treeherder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", p.hawkHeader(req.Method, endpoint, sub.Payload))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to treeherder: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("treeherder returned %d: %s", resp.StatusCode, string(body))
	}
	metrics.ObserveSubmissionLatency(time.Since(start))
	return nil
}

// hawkHeader builds a Hawk-style Authorization header: a nonce and
// timestamp are combined with the method, URL, and payload hash into a
// canonical string, HMAC-SHA256'd with the configured secret. Treeherder's
// real Hawk implementation additionally verifies server-side clock skew;
// this client only needs to produce a header the service can verify.
func (p *TreeherderPoster) hawkHeader(method, url string, payload []byte) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := randomNonce()

	payloadHash := sha256.Sum256(payload)
	payloadHashB64 := base64.StdEncoding.EncodeToString(payloadHash[:])

	canonical := strings.Join([]string{
		"hawk.1.header",
		ts,
		nonce,
		method,
		url,
		"",
		payloadHashB64,
		"",
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, []byte(p.cfg.Secret))
	mac.Write([]byte(canonical))
	mic := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf(`Hawk id="%s", ts="%s", nonce="%s", hash="%s", mac="%s"`,
		p.cfg.ClientID, ts, nonce, payloadHashB64, mic)
}

func randomNonce() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	return hex.EncodeToString(b)
}
