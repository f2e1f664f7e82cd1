package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

// Base URL para o dump de advisories do OSV
const osvBaseURL = "https://osv-vulnerabilities.storage.googleapis.com"

// OSVProvider turns the OSV advisory dump of one ecosystem into CVE
// indicators. CVE ids come from the advisory id or its aliases.
type OSVProvider struct {
	client    *http.Client
	ecosystem string
	baseURL   string
}

func NewOSVProvider(client *http.Client, ecosystem, baseURL string) *OSVProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = osvBaseURL
	}
	return &OSVProvider{
		client:    client,
		ecosystem: ecosystem,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

func (p *OSVProvider) Name() string {
	return fmt.Sprintf("osv_%s", strings.ToLower(p.ecosystem))
}

type osvEntry struct {
	ID       string   `json:"id"`
	Summary  string   `json:"summary"`
	Aliases  []string `json:"aliases"`
	Affected []struct {
		Package struct {
			Name string `json:"name"`
		} `json:"package"`
	} `json:"affected"`
	Modified  time.Time `json:"modified"`
	Published time.Time `json:"published"`
}

// Fetch keeps the limit most recently modified advisories that reference a CVE.
func (p *OSVProvider) Fetch(ctx context.Context, limit int) (ports.FeedBatch, error) {
	url := fmt.Sprintf("%s/%s/all.zip", p.baseURL, p.ecosystem)
	body, err := fetch(ctx, p.client, p.Name(), url, nil)
	if err != nil {
		return ports.FeedBatch{}, err
	}

	zipReader, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return ports.FeedBatch{}, fmt.Errorf("%w: %s: invalid archive: %v", domain.ErrFeedUnavailable, p.Name(), err)
	}

	var batch ports.FeedBatch
	var entries []osvEntry

	for _, file := range zipReader.File {
		if !strings.HasSuffix(file.Name, ".json") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			batch.Malformed++
			continue
		}
		var entry osvEntry
		err = json.NewDecoder(rc).Decode(&entry)
		rc.Close()
		if err != nil || entry.ID == "" {
			batch.Malformed++
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Modified.After(entries[j].Modified)
	})

	emitted := 0
	for _, entry := range entries {
		if limit > 0 && emitted >= limit {
			break
		}
		cves := cveIDs(entry)
		if len(cves) == 0 {
			continue
		}

		var packages []string
		for _, a := range entry.Affected {
			if a.Package.Name != "" {
				packages = append(packages, a.Package.Name)
			}
		}
		firstSeen := entry.Published
		if firstSeen.IsZero() {
			firstSeen = entry.Modified
		}

		for _, cve := range cves {
			batch.Indicators = append(batch.Indicators, domain.RawIndicator{
				Value:       cve,
				TypeHint:    domain.CVE,
				Description: entry.Summary,
				FirstSeen:   firstSeen,
				Tags:        []string{entry.ID, "osv", strings.ToLower(p.ecosystem)},
				Context:     strings.Join(packages, ", "),
				Feed:        p.Name(),
				Source:      domain.SourceAdvisory,
				Attributes: map[string]map[string]any{
					p.Name(): {"advisory_id": entry.ID, "packages": packages},
				},
			})
		}
		emitted++
	}

	return batch, nil
}

func cveIDs(e osvEntry) []string {
	var out []string
	for _, id := range append([]string{e.ID}, e.Aliases...) {
		if strings.HasPrefix(strings.ToUpper(id), "CVE-") {
			out = append(out, id)
		}
	}
	return out
}
