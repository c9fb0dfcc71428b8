// Command healthcheck is the container probe: it exits 0 when the relay's
// health endpoint answers 200. HEALTHCHECK_URL overrides the default
// http://localhost:8080/healthz (use /readyz for a stricter probe).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	os.Exit(probe(os.Getenv("HEALTHCHECK_URL")))
}

func probe(url string) int {
	if url == "" {
		url = "http://localhost:8080/healthz"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
