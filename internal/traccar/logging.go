package traccar

import (
	"context"
	"net/url"
	"strings"

	"fleetstops/internal/logger"
)

func logRequest(ctx context.Context, l logger.Logger, method, endpoint string) {
	if l == nil || (method == "" && endpoint == "") {
		return
	}

	safe := endpoint
	if parsed, err := url.Parse(endpoint); err == nil {
		parsed.User = nil
		parsed.RawQuery = ""
		parsed.Fragment = ""
		if parsed.Scheme != "" || parsed.Host != "" {
			safe = parsed.Scheme + "://" + parsed.Host + parsed.Path
		} else {
			safe = parsed.Path
		}
		if safe == "" {
			safe = parsed.String()
		}
	} else if idx := strings.Index(endpoint, "?"); idx >= 0 {
		safe = endpoint[:idx]
	}

	l.Debug(ctx, "backend request", "method", strings.ToUpper(strings.TrimSpace(method)), "url", safe)
}
