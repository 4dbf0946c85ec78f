package services

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/marketlane/storefront-api/internal/platform/idempotency"
)

var metaKeyFields = []string{"idempotency_key", "idempotencyKey"}

var metaClientTSFields = []string{"client_ts", "clientTs"}

// DeriveIdempotencyKey picks the dedup key for a create request: the Idempotency-Key header in any
// of its spellings, then meta.idempotency_key or meta.idempotencyKey, then "{userID}:{clientTS}".
// An empty result means the request is not idempotency protected.
func DeriveIdempotencyKey(header http.Header, meta map[string]any, clientTS, userID string) string {
	if key := idempotency.HeaderKey(header); key != "" {
		return key
	}
	if key := metaText(meta, metaKeyFields...); key != "" {
		return key
	}
	if ts := strings.TrimSpace(clientTS); ts != "" {
		return fmt.Sprintf("%s:%s", strings.TrimSpace(userID), ts)
	}
	return ""
}

// clientTimestamp prefers the top-level client_ts and falls back to the meta copy.
func clientTimestamp(payload CreateOrderPayload) string {
	if ts := payload.ClientTS.String(); ts != "" {
		return ts
	}
	return metaText(payload.Meta, metaClientTSFields...)
}

func metaText(meta map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := meta[key]
		if !ok || value == nil {
			continue
		}
		var text string
		switch v := value.(type) {
		case string:
			text = v
		case fmt.Stringer:
			text = v.String()
		case float64:
			text = strconv.FormatFloat(v, 'f', -1, 64)
		case int, int64:
			text = fmt.Sprintf("%d", v)
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}
