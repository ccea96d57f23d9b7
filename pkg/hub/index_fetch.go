package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/serpent-os/federation/pkg/stone"
)

// HTTPIndexFetcher fetches a profile's published index over plain
// HTTP(S) and decodes it as a stream of newline-delimited stone.Meta
// records, the exact wire format a repository manager's reindex step
// writes (spec §4.8 step 7).
type HTTPIndexFetcher struct {
	HTTP *http.Client
}

func (f HTTPIndexFetcher) FetchIndex(ctx context.Context, uri string) (map[string]stone.Meta, error) {
	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("hub: build index request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: fetch index %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub: fetch index %s: status %d", uri, resp.StatusCode)
	}

	packages := make(map[string]stone.Meta)
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var meta stone.Meta
		if err := dec.Decode(&meta); err != nil {
			return nil, fmt.Errorf("hub: decode index entry: %w", err)
		}
		packages[meta.Name] = meta
	}
	return packages, nil
}
