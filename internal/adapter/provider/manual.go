package provider

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

// ManualProvider reads analyst-submitted indicators from a local file. Each
// line is "value[,description]".
type ManualProvider struct {
	path string
}

func NewManualProvider(path string) *ManualProvider {
	return &ManualProvider{path: path}
}

func (p *ManualProvider) Name() string {
	return "manual"
}

func (p *ManualProvider) Fetch(ctx context.Context, limit int) (ports.FeedBatch, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return ports.FeedBatch{}, fmt.Errorf("%w: manual: %v", domain.ErrFeedUnavailable, err)
	}
	defer f.Close()

	var batch ports.FeedBatch
	now := time.Now().UTC()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if limit > 0 && len(batch.Indicators) >= limit {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		value, description, _ := strings.Cut(line, ",")
		value = strings.TrimSpace(value)
		if value == "" {
			batch.Malformed++
			continue
		}
		batch.Indicators = append(batch.Indicators, domain.RawIndicator{
			Value:       value,
			TypeHint:    domain.DetectIOCType(value),
			Description: strings.TrimSpace(description),
			FirstSeen:   now,
			Tags:        []string{"manual"},
			Feed:        p.Name(),
			Source:      domain.SourceManual,
		})
	}
	if err := scanner.Err(); err != nil {
		return batch, fmt.Errorf("%w: manual: %v", domain.ErrFeedUnavailable, err)
	}
	return batch, nil
}
