// README: OpenWeatherMap current-conditions client.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rideflow/internal/types"
)

// Client queries the OpenWeatherMap /data/2.5/weather endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

type currentWeather struct {
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
}

// Condition returns the lowercased main condition ("rain", "clear", ...). An empty
// weather list yields "".
func (c *Client) Condition(ctx context.Context, p types.Point) (string, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(p.Lng, 'f', 6, 64))
	q.Set("appid", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("openweathermap request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openweathermap status %d", resp.StatusCode)
	}

	var out currentWeather
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openweathermap decode: %w", err)
	}
	if len(out.Weather) == 0 {
		return "", nil
	}
	return strings.ToLower(out.Weather[0].Main), nil
}
