package provider

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

const urlHausCSV = "https://urlhaus.abuse.ch/downloads/csv_recent/"

// URLHausProvider reads the recent malware URL dump. Every URL also yields
// its host as a domain or ipv4 indicator.
type URLHausProvider struct {
	client *http.Client
	url    string
}

func NewURLHausProvider(client *http.Client, feedURL string) *URLHausProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if feedURL == "" {
		feedURL = urlHausCSV
	}
	return &URLHausProvider{
		client: client,
		url:    feedURL,
	}
}

func (p *URLHausProvider) Name() string {
	return "urlhaus"
}

func (p *URLHausProvider) Fetch(ctx context.Context, limit int) (ports.FeedBatch, error) {
	body, err := fetch(ctx, p.client, p.Name(), p.url, nil)
	if err != nil {
		return ports.FeedBatch{}, err
	}

	reader := csv.NewReader(bytes.NewReader(body))
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var batch ports.FeedBatch
	rows := 0

	for limit <= 0 || rows < limit {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			batch.Malformed++
			continue
		}
		if err != nil {
			return batch, fmt.Errorf("%w: urlhaus: error reading csv: %v", domain.ErrFeedUnavailable, err)
		}
		rows++

		// 0: id, 1: dateadded, 2: url, 3: url_status, 4: last_online,
		// 5: threat, 6: tags, 7: urlhaus_link, 8: reporter
		if len(record) < 7 || strings.TrimSpace(record[2]) == "" {
			batch.Malformed++
			continue
		}
		firstSeen, ok := parseTime(record[1])
		if !ok {
			batch.Malformed++
			continue
		}

		var tags []string
		for _, t := range strings.Split(record[6], ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}

		attrs := map[string]any{
			"id":         record[0],
			"url_status": record[3],
			"threat":     record[5],
		}
		if len(record) > 7 && record[7] != "" {
			attrs["urlhaus_link"] = record[7]
		}
		if len(record) > 8 && record[8] != "" {
			attrs["reporter"] = record[8]
		}

		status := record[3]
		if status == "" {
			status = "unknown"
		}

		baseIOC := domain.RawIndicator{
			Value:       record[2],
			TypeHint:    domain.URL,
			Description: "URLhaus malware URL - Status: " + status,
			FirstSeen:   firstSeen,
			Tags:        tags,
			ThreatType:  record[5],
			URLStatus:   record[3],
			Feed:        p.Name(),
			Source:      domain.SourceURLhaus,
			Attributes:  map[string]map[string]any{p.Name(): attrs},
		}

		// Extract components (URL + IP/domain) for better matching
		batch.Indicators = append(batch.Indicators, domain.ExtractIOCComponents(baseIOC)...)
	}

	return batch, nil
}
