package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

// SimpleListProvider reads a plain-text blocklist, one indicator per line.
// Lines may carry a trailing "#" comment or an ":port" suffix. URL lines are
// split into the URL and its host.
type SimpleListProvider struct {
	client       *http.Client
	url          string
	providerName string
	threatType   string
	now          func() time.Time
}

func NewSimpleListProvider(client *http.Client, providerName string, url string, threatType string) *SimpleListProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &SimpleListProvider{
		client:       client,
		providerName: providerName,
		url:          url,
		threatType:   threatType,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (p *SimpleListProvider) Name() string {
	return p.providerName
}

func (p *SimpleListProvider) Fetch(ctx context.Context, limit int) (ports.FeedBatch, error) {
	body, err := fetch(ctx, p.client, p.providerName, p.url, nil)
	if err != nil {
		return ports.FeedBatch{}, err
	}

	var batch ports.FeedBatch
	seen := p.now()
	entries := 0

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		if limit > 0 && entries >= limit {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") || strings.HasPrefix(line, ";") {
			continue
		}
		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		// Some lists use "value ; comment" or tab separated columns.
		if fields := strings.Fields(line); len(fields) > 0 {
			line = fields[0]
		}
		entries++

		iocType := domain.DetectIOCType(line)
		if iocType == "" {
			// ip:port entries
			if idx := strings.LastIndex(line, ":"); idx != -1 {
				line = line[:idx]
				iocType = domain.DetectIOCType(line)
			}
		}
		if iocType == "" {
			batch.Malformed++
			continue
		}

		tags := []string{"blocklist"}
		if iocType == domain.URL {
			tags = []string{"blocklist", "malware-url"}
		}

		ind := domain.RawIndicator{
			Value:       line,
			TypeHint:    iocType,
			Description: fmt.Sprintf("Listed on %s", p.providerName),
			FirstSeen:   seen,
			Tags:        tags,
			ThreatType:  p.threatType,
			Feed:        p.providerName,
			Source:      domain.SourceBlocklist,
			Attributes: map[string]map[string]any{
				p.providerName: {"list_url": p.url, "threat_type": p.threatType},
			},
		}
		batch.Indicators = append(batch.Indicators, domain.ExtractIOCComponents(ind)...)
	}

	if err := scanner.Err(); err != nil {
		return batch, fmt.Errorf("%w: %s: scanner error: %v", domain.ErrFeedUnavailable, p.providerName, err)
	}

	return batch, nil
}
