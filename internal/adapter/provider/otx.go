package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

const otxBaseURL = "https://otx.alienvault.com/api/v1"

type OTXProvider struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

func NewOTXProvider(client *http.Client, apiKey, baseURL string) *OTXProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = otxBaseURL
	}
	return &OTXProvider{
		client:  client,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (p *OTXProvider) Name() string {
	return "otx"
}

type otxResponse struct {
	Results []otxPulse `json:"results"`
}

type otxPulse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	AuthorName string         `json:"author_name"`
	TLP        string         `json:"tlp"`
	Created    string         `json:"created"`
	Indicators []otxIndicator `json:"indicators"`
	Tags       []string       `json:"tags"`
}

type otxIndicator struct {
	Indicator   string `json:"indicator"`
	Type        string `json:"type"` // ex: IPv4, domain, FileHash-SHA256
	Description string `json:"description"`
	Created     string `json:"created"`
}

// Fetch reads up to limit subscribed pulses and flattens their indicators.
func (p *OTXProvider) Fetch(ctx context.Context, limit int) (ports.FeedBatch, error) {
	if p.apiKey == "" {
		return ports.FeedBatch{}, fmt.Errorf("%w: otx: API key is missing", domain.ErrFeedUnavailable)
	}

	url := fmt.Sprintf("%s/pulses/subscribed?limit=%d&page=1", p.baseURL, limit)
	body, err := fetch(ctx, p.client, p.Name(), url, http.Header{"X-OTX-API-KEY": {p.apiKey}})
	if err != nil {
		return ports.FeedBatch{}, err
	}

	var data otxResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return ports.FeedBatch{}, fmt.Errorf("%w: otx: failed to decode json: %v", domain.ErrFeedUnavailable, err)
	}

	var batch ports.FeedBatch
	pulses := data.Results
	if limit > 0 && len(pulses) > limit {
		pulses = pulses[:limit]
	}

	for _, pulse := range pulses {
		for _, ind := range pulse.Indicators {
			myType, known := mapOTXType(ind.Type)
			if !known {
				continue // types we never track (mutex, yara, ...)
			}
			if strings.TrimSpace(ind.Indicator) == "" {
				batch.Malformed++
				continue
			}
			created := ind.Created
			if created == "" {
				created = pulse.Created
			}
			firstSeen, ok := parseTime(created)
			if !ok {
				batch.Malformed++
				continue
			}

			attrs := map[string]any{
				"pulse_id":   pulse.ID,
				"pulse_name": pulse.Name,
			}
			if pulse.TLP != "" {
				attrs["pulse_tlp"] = pulse.TLP
			}
			if pulse.AuthorName != "" {
				attrs["author"] = pulse.AuthorName
			}

			batch.Indicators = append(batch.Indicators, domain.RawIndicator{
				Value:       ind.Indicator,
				TypeHint:    myType,
				Description: "From OTX pulse: " + pulse.Name,
				FirstSeen:   firstSeen,
				Tags:        pulse.Tags,
				ThreatActor: pulse.AuthorName,
				Context:     ind.Description,
				Feed:        p.Name(),
				Source:      domain.SourceOTX,
				Attributes:  map[string]map[string]any{p.Name(): attrs},
			})
		}
	}

	return batch, nil
}

// mapOTXType converts OTX indicator types. IPv6 is handed over as ipv4 and
// rejected during canonicalization, which counts it as malformed.
func mapOTXType(otxType string) (domain.IOCType, bool) {
	switch strings.ToLower(otxType) {
	case "ipv4", "ipv6":
		return domain.IPv4, true
	case "domain", "hostname":
		return domain.Domain, true
	case "url", "uri":
		return domain.URL, true
	case "filehash-md5":
		return domain.MD5, true
	case "filehash-sha1":
		return domain.SHA1, true
	case "filehash-sha256":
		return domain.SHA256, true
	case "cve":
		return domain.CVE, true
	case "email":
		return domain.Email, true
	default:
		return "", false
	}
}
