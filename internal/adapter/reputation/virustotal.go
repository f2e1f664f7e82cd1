package reputation

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

const (
	VirusTotalName    = "virustotal"
	virusTotalBaseURL = "https://www.virustotal.com/api/v3"
)

// VirusTotal reports multi-engine detection statistics and a community
// reputation score for ips, domains, urls and file hashes.
type VirusTotal struct {
	apiKey  string
	baseURL string
	client  *Client
}

func NewVirusTotal(apiKey, baseURL string, cfg ClientConfig, logger *zap.SugaredLogger) *VirusTotal {
	if baseURL == "" {
		baseURL = virusTotalBaseURL
	}
	return &VirusTotal{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewClient(VirusTotalName, cfg, logger),
	}
}

func (p *VirusTotal) Name() string { return VirusTotalName }

type vtResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats           map[string]int `json:"last_analysis_stats"`
			Reputation                  *int           `json:"reputation"`
			Tags                        []string       `json:"tags"`
			Country                     string         `json:"country"`
			ASOwner                     string         `json:"as_owner"`
			TypeDescription             string         `json:"type_description"`
			Size                        int64          `json:"size"`
			FirstSubmissionDate         int64          `json:"first_submission_date"`
			LastAnalysisDate            int64          `json:"last_analysis_date"`
			Registrar                   string         `json:"registrar"`
			PopularThreatClassification *struct {
				SuggestedThreatLabel string `json:"suggested_threat_label"`
			} `json:"popular_threat_classification"`
		} `json:"attributes"`
	} `json:"data"`
}

func (p *VirusTotal) endpoint(value string, iocType domain.IOCType) (string, error) {
	switch iocType {
	case domain.IPv4:
		return fmt.Sprintf("%s/ip_addresses/%s", p.baseURL, url.PathEscape(value)), nil
	case domain.Domain:
		return fmt.Sprintf("%s/domains/%s", p.baseURL, url.PathEscape(value)), nil
	case domain.MD5, domain.SHA1, domain.SHA256:
		return fmt.Sprintf("%s/files/%s", p.baseURL, url.PathEscape(value)), nil
	case domain.URL:
		// URL identifiers are the unpadded url-safe base64 of the URL.
		return fmt.Sprintf("%s/urls/%s", p.baseURL, base64.RawURLEncoding.EncodeToString([]byte(value))), nil
	default:
		return "", fmt.Errorf("virustotal: unsupported indicator type %q", iocType)
	}
}

func (p *VirusTotal) Lookup(ctx context.Context, value string, iocType domain.IOCType) (*ports.Evidence, error) {
	endpoint, err := p.endpoint(value, iocType)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-apikey", p.apiKey)
	req.Header.Set("Accept", "application/json")

	var body vtResponse
	if err := p.client.DoJSON(req, &body); err != nil {
		return nil, err
	}

	attrs := body.Data.Attributes
	ev := &ports.Evidence{
		ReputationScore: attrs.Reputation,
		Tags:            attrs.Tags,
		Attributes:      map[string]any{},
	}

	total := 0
	for _, n := range attrs.LastAnalysisStats {
		total += n
	}
	detected := attrs.LastAnalysisStats["malicious"] + attrs.LastAnalysisStats["suspicious"]
	for _, k := range []string{"malicious", "suspicious", "harmless", "undetected"} {
		ev.Attributes[k] = attrs.LastAnalysisStats[k]
	}
	// No engines means no verdict, which is different from a 0% rate.
	if total > 0 {
		rate := float64(detected) / float64(total)
		ev.DetectionRate = &rate
		ev.DetectionsText = fmt.Sprintf("%d/%d", detected, total)
		ev.Attributes["detections"] = ev.DetectionsText
	}
	if attrs.Reputation != nil {
		ev.Attributes["reputation"] = *attrs.Reputation
	}

	switch iocType {
	case domain.IPv4:
		putIfSet(ev.Attributes, "country", attrs.Country)
		putIfSet(ev.Attributes, "as_owner", attrs.ASOwner)
	case domain.Domain:
		putIfSet(ev.Attributes, "registrar", attrs.Registrar)
	case domain.MD5, domain.SHA1, domain.SHA256:
		putIfSet(ev.Attributes, "file_type", attrs.TypeDescription)
		if attrs.Size > 0 {
			ev.Attributes["file_size"] = attrs.Size
		}
		if attrs.FirstSubmissionDate > 0 {
			ev.Attributes["first_submission_date"] = attrs.FirstSubmissionDate
		}
	}
	if attrs.LastAnalysisDate > 0 {
		ev.Attributes["last_analysis_date"] = attrs.LastAnalysisDate
	}
	if c := attrs.PopularThreatClassification; c != nil && c.SuggestedThreatLabel != "" {
		ev.MalwareFamily = c.SuggestedThreatLabel
		ev.Attributes["suggested_threat_label"] = c.SuggestedThreatLabel
	}
	return ev, nil
}

func putIfSet(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}
