package reputation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

const (
	URLhausName    = "urlhaus"
	urlhausBaseURL = "https://urlhaus-api.abuse.ch/v1"
)

// URLhaus answers whether a known malware URL is still serving payloads.
type URLhaus struct {
	authKey string
	baseURL string
	client  *Client
}

func NewURLhaus(authKey, baseURL string, cfg ClientConfig, logger *zap.SugaredLogger) *URLhaus {
	if baseURL == "" {
		baseURL = urlhausBaseURL
	}
	return &URLhaus{
		authKey: authKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewClient(URLhausName, cfg, logger),
	}
}

func (p *URLhaus) Name() string { return URLhausName }

type urlhausLookupResponse struct {
	QueryStatus string   `json:"query_status"`
	ID          string   `json:"id"`
	URLStatus   string   `json:"url_status"`
	Threat      string   `json:"threat"`
	DateAdded   string   `json:"date_added"`
	Reporter    string   `json:"reporter"`
	Tags        []string `json:"tags"`
	Blacklists  struct {
		SpamhausDBL string `json:"spamhaus_dbl"`
		SURBL       string `json:"surbl"`
	} `json:"blacklists"`
}

func (p *URLhaus) Lookup(ctx context.Context, value string, iocType domain.IOCType) (*ports.Evidence, error) {
	if iocType != domain.URL {
		return nil, fmt.Errorf("urlhaus: unsupported indicator type %q", iocType)
	}

	form := url.Values{}
	form.Set("url", value)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/url/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.authKey != "" {
		req.Header.Set("Auth-Key", p.authKey)
	}

	var body urlhausLookupResponse
	if err := p.client.DoJSON(req, &body); err != nil {
		return nil, err
	}

	switch body.QueryStatus {
	case "ok":
	case "no_results":
		return nil, fmt.Errorf("%w: urlhaus", domain.ErrProviderNotFound)
	default:
		return nil, fmt.Errorf("%w: urlhaus query_status %q", domain.ErrMalformedResponse, body.QueryStatus)
	}

	attrs := map[string]any{"url_status": body.URLStatus}
	putIfSet(attrs, "id", body.ID)
	putIfSet(attrs, "threat", body.Threat)
	putIfSet(attrs, "date_added", body.DateAdded)
	putIfSet(attrs, "reporter", body.Reporter)
	putIfSet(attrs, "spamhaus_dbl", body.Blacklists.SpamhausDBL)
	putIfSet(attrs, "surbl", body.Blacklists.SURBL)

	ev := &ports.Evidence{
		ThreatType: body.Threat,
		Tags:       body.Tags,
		Attributes: attrs,
	}
	if st, ok := domain.ParseURLStatus(body.URLStatus); ok {
		ev.URLStatus = &st
	}
	return ev, nil
}
