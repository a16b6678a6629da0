// Command healthcheck probes the farm's status server for container health checks. It exits
// non-zero unless /healthz answers 200.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	if err := check(context.Background(), target(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))); err != nil {
		log.Printf("healthcheck: %v", err)
		os.Exit(1)
	}
}

// target returns explicit when set, otherwise the /healthz URL of a server listening on addr.
func target(explicit, addr string) string {
	if explicit != "" {
		return explicit
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		port = "8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

func check(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unhealthy: status " + http.StatusText(e.code) }
