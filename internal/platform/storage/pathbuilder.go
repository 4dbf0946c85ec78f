package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ArchivePurpose identifies the kind of raw payload being archived.
type ArchivePurpose string

const (
	PurposeStripeWebhook ArchivePurpose = "stripe_webhook"
	PurposeMpesaCallback ArchivePurpose = "mpesa_callback"
)

// PathParams provide the identifiers used to compose archive object keys.
type PathParams struct {
	ReceivedAt time.Time
	Key        string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ArchivePurpose]PathBuilder{
		PurposeStripeWebhook: datedPath("webhooks/stripe"),
		PurposeMpesaCallback: datedPath("callbacks/mpesa"),
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose ArchivePurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ArchivePurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported archive purpose %q", purpose)
	}
	return builder(params)
}

// datedPath lays objects out as prefix/YYYY-MM-DD/key.json.
func datedPath(prefix string) PathBuilder {
	return func(params PathParams) (string, error) {
		key, err := validateSegment("key", params.Key)
		if err != nil {
			return "", err
		}
		if params.ReceivedAt.IsZero() {
			return "", fmt.Errorf("storage: receivedAt is required")
		}
		return fmt.Sprintf("%s/%s/%s.json", prefix, params.ReceivedAt.UTC().Format("2006-01-02"), key), nil
	}
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
