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

const urlhausAPIBaseURL = "https://urlhaus-api.abuse.ch/v1"

// URLHausPayloadsProvider emits the sha256 and md5 of recently seen malware
// payloads, with the payload signature as malware family.
type URLHausPayloadsProvider struct {
	client  *http.Client
	authKey string
	baseURL string
}

func NewURLHausPayloadsProvider(client *http.Client, authKey, baseURL string) *URLHausPayloadsProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = urlhausAPIBaseURL
	}
	return &URLHausPayloadsProvider{
		client:  client,
		authKey: authKey,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (p *URLHausPayloadsProvider) Name() string {
	return "urlhaus_payloads"
}

type payloadsResponse struct {
	QueryStatus string    `json:"query_status"`
	Payloads    []payload `json:"payloads"`
}

type payload struct {
	FirstSeen  string `json:"firstseen"`
	FileType   string `json:"file_type"`
	FileSize   any    `json:"file_size"`
	MD5Hash    string `json:"md5_hash"`
	SHA256Hash string `json:"sha256_hash"`
	Signature  string `json:"signature"`
}

func (p *URLHausPayloadsProvider) Fetch(ctx context.Context, limit int) (ports.FeedBatch, error) {
	var header http.Header
	if p.authKey != "" {
		header = http.Header{"Auth-Key": {p.authKey}}
	}
	body, err := fetch(ctx, p.client, p.Name(), p.baseURL+"/payloads/recent/", header)
	if err != nil {
		return ports.FeedBatch{}, err
	}

	var data payloadsResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return ports.FeedBatch{}, fmt.Errorf("%w: %s: failed to decode json: %v", domain.ErrFeedUnavailable, p.Name(), err)
	}
	if data.QueryStatus != "ok" {
		return ports.FeedBatch{}, fmt.Errorf("%w: %s: query_status %q", domain.ErrFeedUnavailable, p.Name(), data.QueryStatus)
	}

	items := data.Payloads
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	var batch ports.FeedBatch
	for _, pl := range items {
		if pl.SHA256Hash == "" && pl.MD5Hash == "" {
			batch.Malformed++
			continue
		}
		firstSeen, ok := parseTime(pl.FirstSeen)
		if !ok {
			batch.Malformed++
			continue
		}

		fileType := pl.FileType
		if fileType == "" {
			fileType = "unknown"
		}
		attrs := map[string]any{"file_type": fileType}
		if pl.FileSize != nil {
			attrs["file_size"] = pl.FileSize
		}
		if pl.Signature != "" {
			attrs["signature"] = pl.Signature
		}

		base := domain.RawIndicator{
			Description:   "URLhaus malware payload - " + fileType,
			FirstSeen:     firstSeen,
			MalwareFamily: pl.Signature,
			Feed:          p.Name(),
			Source:        domain.SourceURLhaus,
		}
		for _, h := range []struct {
			value string
			typ   domain.IOCType
		}{{pl.SHA256Hash, domain.SHA256}, {pl.MD5Hash, domain.MD5}} {
			if h.value == "" {
				continue
			}
			ind := base
			ind.Value = h.value
			ind.TypeHint = h.typ
			ind.Attributes = map[string]map[string]any{p.Name(): cloneAttrs(attrs)}
			batch.Indicators = append(batch.Indicators, ind)
		}
	}
	return batch, nil
}

func cloneAttrs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
