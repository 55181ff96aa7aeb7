// ABOUTME: Built-in task handlers shipped with the fleet agent
// ABOUTME: Registered explicitly from the agent CLI bootstrap

package handlers

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/2389/fleet-manager/internal/agent"
)

// RegisterBuiltins installs the built-in handler set on a registry.
func RegisterBuiltins(registry *agent.Registry) {
	registry.Register("wait", 1, Wait)
	registry.Register("url_http_status", 1, URLHTTPStatus)
}

// Wait sleeps for approximately the requested number of seconds, with a
// slight random factor, and reports the actual time waited. Useful for
// prototyping and end-to-end tests.
func Wait(input map[string]any) (map[string]any, error) {
	seconds, ok := input["time"].(float64)
	if !ok {
		return nil, fmt.Errorf("wait: missing or non-numeric 'time' parameter")
	}

	timeout := seconds - 0.5 + rand.Float64()
	if timeout < 0 {
		timeout = 0
	}
	time.Sleep(time.Duration(timeout * float64(time.Second)))

	return map[string]any{"time": timeout}, nil
}

// URLHTTPStatus fetches a URL and reports its HTTP status code.
func URLHTTPStatus(input map[string]any) (map[string]any, error) {
	url, ok := input["url"].(string)
	if !ok {
		return nil, fmt.Errorf("url_http_status: missing 'url' parameter")
	}

	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("url_http_status: %w", err)
	}
	defer resp.Body.Close()

	return map[string]any{"status": resp.StatusCode}, nil
}
