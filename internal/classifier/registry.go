package classifier

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRegistry fetches the node registry over HTTP. The endpoint has
// shipped three shapes over time: {"FluxNodes":[...]}, {"fluxNodes":[...]},
// and a bare array; all three are accepted.
type HTTPRegistry struct {
	URL    string
	Client *http.Client
}

// NewHTTPRegistry builds a registry fetcher with a sane timeout.
func NewHTTPRegistry(url string) *HTTPRegistry {
	return &HTTPRegistry{
		URL:    url,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

// FetchNodes downloads and decodes the registry.
func (r *HTTPRegistry) FetchNodes() ([]RegistryNode, error) {
	resp, err := r.Client.Get(r.URL)
	if err != nil {
		return nil, fmt.Errorf("node registry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node registry returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("node registry body: %w", err)
	}
	return decodeRegistry(body)
}

func decodeRegistry(body []byte) ([]RegistryNode, error) {
	var wrapped struct {
		FluxNodesUpper []RegistryNode `json:"FluxNodes"`
		FluxNodesLower []RegistryNode `json:"fluxNodes"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if len(wrapped.FluxNodesUpper) > 0 {
			return wrapped.FluxNodesUpper, nil
		}
		if len(wrapped.FluxNodesLower) > 0 {
			return wrapped.FluxNodesLower, nil
		}
	}

	var bare []RegistryNode
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("node registry payload has no recognizable node list")
}
