package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Loader fetches the full current state of a document. The SDK calls it after
// every subscribe and whenever a broadcast reveals the cache is stale.
type Loader interface {
	Load(ctx context.Context, documentID string) ([]Row, error)
}

// HTTPLoader loads documents from the service's REST surface.
type HTTPLoader struct {
	// BaseURL is the service root, e.g. "http://collab.internal:8080".
	BaseURL string

	// Client defaults to a client with a 10 second timeout.
	Client *http.Client
}

type documentPayload struct {
	DocumentID string `json:"document_id"`
	Rows       []Row  `json:"rows"`
}

// Load fetches every row of documentID.
func (l *HTTPLoader) Load(ctx context.Context, documentID string) ([]Row, error) {
	u := strings.TrimSuffix(l.BaseURL, "/") + "/v1/documents/" + url.PathEscape(documentID) + "/rows"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load document %s: status %d", documentID, resp.StatusCode)
	}

	var payload documentPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", documentID, err)
	}
	return payload.Rows, nil
}
