package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Outcome summarises a finished suite run.
type Outcome struct {
	RunID     string
	URL       string
	Passed    bool
	EndMarker string
	Duration  time.Duration
	Err       error
}

// Title is the short headline for the outcome.
func (o Outcome) Title() string {
	switch {
	case o.Err != nil:
		return "browsersuite: error"
	case o.Passed:
		return "browsersuite: passed"
	default:
		return "browsersuite: failed"
	}
}

// Message is the notification body for the outcome.
func (o Outcome) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", o.URL, strings.TrimPrefix(o.Title(), "browsersuite: "))
	if o.EndMarker != "" {
		fmt.Fprintf(&b, " (%s)", o.EndMarker)
	}
	if o.Duration > 0 {
		fmt.Fprintf(&b, " in %s", o.Duration.Round(time.Millisecond))
	}
	if o.Err != nil {
		fmt.Fprintf(&b, ": %v", o.Err)
	}
	return b.String()
}

// SendOutcome posts the outcome to an ntfy-compatible endpoint.
func SendOutcome(ctx context.Context, client *http.Client, endpoint string, o Outcome) error {
	tags := "white_check_mark"
	priority := "default"
	if !o.Passed || o.Err != nil {
		tags = "x"
		priority = "high"
	}
	headers := map[string]string{
		"Title":    o.Title(),
		"Tags":     tags,
		"Priority": priority,
	}
	if o.RunID != "" {
		headers["X-Run-Id"] = o.RunID
	}
	return Send(ctx, client, endpoint, o.Message(), headers)
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string, headers map[string]string) error {
	if endpoint == "" {
		return errors.New("ntfy notification failed: missing endpoint")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
