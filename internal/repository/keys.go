package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
)

// DefaultLaunchpadAPI is the production Launchpad web service root.
const DefaultLaunchpadAPI = "https://api.launchpad.net/devel"

// LaunchpadKeyImporter fetches PPA signing keys from the Launchpad web
// service. The getSigningKeyData operation returns the armored public key
// as a JSON string.
type LaunchpadKeyImporter struct {
	BaseURL string
	Client  *http.Client
}

// NewLaunchpadKeyImporter returns a key importer against the production
// Launchpad API.
func NewLaunchpadKeyImporter() *LaunchpadKeyImporter {
	return &LaunchpadKeyImporter{
		BaseURL: DefaultLaunchpadAPI,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchKey retrieves the armored signing key for a PPA.
func (i *LaunchpadKeyImporter) FetchKey(ctx context.Context, owner, distribution, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/~%s/+archive/%s/%s?ws.op=getSigningKeyData",
		i.BaseURL, url.PathEscape(owner), url.PathEscape(distribution), url.PathEscape(name))

	logger.Debug("Fetching PPA signing key",
		zap.String("owner", owner),
		zap.String("distribution", distribution),
		zap.String("name", name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := i.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("signing key request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signing key request returned status %d", resp.StatusCode)
	}

	var key string
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return "", fmt.Errorf("failed to decode signing key response: %w", err)
	}
	if key == "" {
		return "", fmt.Errorf("archive ~%s/%s/%s has no signing key", owner, distribution, name)
	}
	return key, nil
}
