package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
)

// signQuery builds the canonical query string (sorted keys, timestamp and a
// fixed recvWindow appended) and signs it with HMAC-SHA256, matching the
// scheme go-binance/v2 uses internally (SPEC_FULL.md §4.2).
func signQuery(secret string, form map[string]string, timestampMs int64) string {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	values.Set("timestamp", fmt.Sprintf("%d", timestampMs))
	values.Set("recvWindow", "5000")

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, url.QueryEscape(values.Get(k))))
	}
	canonical := parts[0]
	for _, p := range parts[1:] {
		canonical += "&" + p
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	signature := hex.EncodeToString(mac.Sum(nil))

	return canonical + "&signature=" + signature
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
