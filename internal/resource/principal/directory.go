package principal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/runreaper/internal/resource"
)

// HTTPDirectory talks to a directory service exposing
// DELETE <endpoint>/realms/<realm>/principals/<name>.
type HTTPDirectory struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPDirectory(endpoint, token string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDirectory{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) DeletePrincipal(ctx context.Context, realm, name string) error {
	u := fmt.Sprintf("%s/realms/%s/principals/%s", d.endpoint, url.PathEscape(realm), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete principal %s/%s: %w", realm, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return resource.ErrGone
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("delete principal %s/%s: status %d: %s", realm, name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
