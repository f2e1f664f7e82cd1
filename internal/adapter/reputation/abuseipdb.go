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
	AbuseIPDBName    = "abuseipdb"
	abuseIPDBBaseURL = "https://api.abuseipdb.com/api/v2"
	abuseMaxAgeDays  = 90
)

// AbuseIPDB reports the crowd-sourced abuse confidence of an IPv4 address.
type AbuseIPDB struct {
	apiKey  string
	baseURL string
	client  *Client
}

func NewAbuseIPDB(apiKey, baseURL string, cfg ClientConfig, logger *zap.SugaredLogger) *AbuseIPDB {
	if baseURL == "" {
		baseURL = abuseIPDBBaseURL
	}
	return &AbuseIPDB{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewClient(AbuseIPDBName, cfg, logger),
	}
}

func (p *AbuseIPDB) Name() string { return AbuseIPDBName }

type abuseResponse struct {
	Data *struct {
		AbuseConfidenceScore *int   `json:"abuseConfidenceScore"`
		TotalReports         int    `json:"totalReports"`
		CountryCode          string `json:"countryCode"`
		ISP                  string `json:"isp"`
		Domain               string `json:"domain"`
		UsageType            string `json:"usageType"`
		IsWhitelisted        *bool  `json:"isWhitelisted"`
		LastReportedAt       string `json:"lastReportedAt"`
	} `json:"data"`
}

func (p *AbuseIPDB) Lookup(ctx context.Context, value string, iocType domain.IOCType) (*ports.Evidence, error) {
	if iocType != domain.IPv4 {
		return nil, fmt.Errorf("abuseipdb: unsupported indicator type %q", iocType)
	}

	q := url.Values{}
	q.Set("ipAddress", value)
	q.Set("maxAgeInDays", fmt.Sprint(abuseMaxAgeDays))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/check?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	var body abuseResponse
	if err := p.client.DoJSON(req, &body); err != nil {
		return nil, err
	}
	if body.Data == nil || body.Data.AbuseConfidenceScore == nil {
		return nil, fmt.Errorf("%w: abuseipdb: missing abuseConfidenceScore", domain.ErrMalformedResponse)
	}

	d := body.Data
	score := *d.AbuseConfidenceScore
	if score < 0 || score > 100 {
		return nil, fmt.Errorf("%w: abuseipdb: confidence %d out of range", domain.ErrMalformedResponse, score)
	}

	attrs := map[string]any{
		"abuse_confidence_score": score,
		"total_reports":          d.TotalReports,
	}
	putIfSet(attrs, "country_code", d.CountryCode)
	putIfSet(attrs, "isp", d.ISP)
	putIfSet(attrs, "domain", d.Domain)
	putIfSet(attrs, "usage_type", d.UsageType)
	putIfSet(attrs, "last_reported_at", d.LastReportedAt)
	if d.IsWhitelisted != nil {
		attrs["is_whitelisted"] = *d.IsWhitelisted
	}

	return &ports.Evidence{
		AbuseConfidence: &score,
		Attributes:      attrs,
	}, nil
}
