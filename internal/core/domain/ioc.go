package domain

import (
	"time"

	"github.com/google/uuid"
)

type IOCType string

const (
	IPv4   IOCType = "ipv4"
	Domain IOCType = "domain"
	URL    IOCType = "url"
	MD5    IOCType = "md5"
	SHA1   IOCType = "sha1"
	SHA256 IOCType = "sha256"
	CVE    IOCType = "cve"
	Email  IOCType = "email"
)

// Valid reports whether t is one of the supported indicator types.
func (t IOCType) Valid() bool {
	switch t {
	case IPv4, Domain, URL, MD5, SHA1, SHA256, CVE, Email:
		return true
	}
	return false
}

// IsHash reports whether t is a file hash type.
func (t IOCType) IsHash() bool {
	return t == MD5 || t == SHA1 || t == SHA256
}

type Category string

const (
	CategoryFileHash Category = "filehash"
	CategoryIP       Category = "ip"
	CategoryDomain   Category = "domain"
	CategoryURL      Category = "url"
	CategoryCVE      Category = "cve"
	CategoryEmail    Category = "email"
	CategoryOther    Category = "other"
)

// CategoryOf derives the SIEM category from an indicator type.
func CategoryOf(t IOCType) Category {
	switch t {
	case MD5, SHA1, SHA256:
		return CategoryFileHash
	case IPv4:
		return CategoryIP
	case Domain:
		return CategoryDomain
	case URL:
		return CategoryURL
	case CVE:
		return CategoryCVE
	case Email:
		return CategoryEmail
	default:
		return CategoryOther
	}
}

// Source is the feed a record was first seen on.
type Source string

const (
	SourceOTX        Source = "otx"
	SourceURLhaus    Source = "urlhaus"
	SourceReputation Source = "reputation_provider"
	SourceManual     Source = "manual"
	SourceBlocklist  Source = "blocklist"
	SourceAdvisory   Source = "advisory"
)

type URLStatus string

const (
	URLOnline  URLStatus = "online"
	URLOffline URLStatus = "offline"
)

// ParseURLStatus maps provider strings to a URLStatus. Anything that is not
// clearly online or offline is reported as unknown (ok=false).
func ParseURLStatus(s string) (URLStatus, bool) {
	switch s {
	case "online", "ONLINE", "Online":
		return URLOnline, true
	case "offline", "OFFLINE", "Offline":
		return URLOffline, true
	}
	return "", false
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

type EnrichmentStatus string

const (
	EnrichmentCompleted EnrichmentStatus = "completed"
	EnrichmentDegraded  EnrichmentStatus = "degraded"
)

// RawIndicator is what a feed hands to the pipeline before deduplication.
type RawIndicator struct {
	Value         string
	TypeHint      IOCType
	Description   string
	FirstSeen     time.Time
	Tags          []string
	ThreatType    string
	MalwareFamily string
	ThreatActor   string
	Context       string
	URLStatus     string
	RelatedURL    string
	Feed          string
	Source        Source
	// Attributes holds the raw per-feed fields, keyed by feed name.
	Attributes map[string]map[string]any
}

// IndicatorRecord is the enriched, scored indicator persisted by the sink.
type IndicatorRecord struct {
	Value    string   `json:"value" bson:"value"`
	Type     IOCType  `json:"type" bson:"type"`
	Category Category `json:"category" bson:"category"`
	Source   Source   `json:"source" bson:"source"`

	Sources map[string]map[string]any `json:"sources" bson:"sources"`
	Tags    []string                  `json:"tags,omitempty" bson:"tags,omitempty"`

	FirstSeen           time.Time `json:"first_seen" bson:"first_seen"`
	LastUpdated         time.Time `json:"last_updated" bson:"last_updated"`
	EnrichmentTimestamp time.Time `json:"enrichment_timestamp" bson:"enrichment_timestamp"`

	MalwareFamily string `json:"malware_family,omitempty" bson:"malware_family,omitempty"`
	ThreatActor   string `json:"threat_actor,omitempty" bson:"threat_actor,omitempty"`
	ThreatType    string `json:"threat_type,omitempty" bson:"threat_type,omitempty"`
	Description   string `json:"description,omitempty" bson:"description,omitempty"`
	Context       string `json:"context,omitempty" bson:"context,omitempty"`
	RelatedURL    string `json:"related_url,omitempty" bson:"related_url,omitempty"`

	// Nil means the provider did not report; zero is a real value.
	ReputationDetectionRate *float64   `json:"reputation_detection_rate,omitempty" bson:"reputation_detection_rate,omitempty"`
	ReputationScore         *int       `json:"reputation_score,omitempty" bson:"reputation_score,omitempty"`
	DetectionsText          string     `json:"detections,omitempty" bson:"detections,omitempty"`
	AbuseConfidence         *int       `json:"abuse_confidence,omitempty" bson:"abuse_confidence,omitempty"`
	URLStatus               *URLStatus `json:"url_status,omitempty" bson:"url_status,omitempty"`

	Severity         Severity         `json:"severity" bson:"severity"`
	SeverityScore    int              `json:"severity_score" bson:"severity_score"`
	SeverityReasons  []string         `json:"severity_reasons" bson:"severity_reasons"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status,omitempty" bson:"enrichment_status,omitempty"`

	CorrelationID uuid.UUID `json:"correlation_id" bson:"correlation_id"`
}

// NewIndicatorRecord creates the record for a first sighting. The raw value
// must already be normalized and typed.
func NewIndicatorRecord(raw RawIndicator, now time.Time) *IndicatorRecord {
	now = now.UTC()
	firstSeen := now
	if !raw.FirstSeen.IsZero() {
		firstSeen = raw.FirstSeen.UTC()
	}

	rec := &IndicatorRecord{
		Value:         raw.Value,
		Type:          raw.TypeHint,
		Category:      CategoryOf(raw.TypeHint),
		Source:        raw.Source,
		Sources:       make(map[string]map[string]any),
		FirstSeen:     firstSeen,
		LastUpdated:   now,
		Severity:      SeverityUnknown,
		CorrelationID: uuid.New(),
	}
	rec.MergeRaw(raw)
	return rec
}

// MergeRaw folds feed-provided context into the record without clearing
// anything that is already set.
func (r *IndicatorRecord) MergeRaw(raw RawIndicator) {
	setIfEmpty(&r.Description, raw.Description)
	setIfEmpty(&r.ThreatType, raw.ThreatType)
	setIfEmpty(&r.MalwareFamily, raw.MalwareFamily)
	setIfEmpty(&r.ThreatActor, raw.ThreatActor)
	setIfEmpty(&r.Context, raw.Context)
	setIfEmpty(&r.RelatedURL, raw.RelatedURL)

	if r.URLStatus == nil && r.Type == URL {
		if st, ok := ParseURLStatus(raw.URLStatus); ok {
			r.URLStatus = &st
		}
	}

	r.Tags = mergeTags(r.Tags, raw.Tags)

	for name, attrs := range raw.Attributes {
		r.MergeSource(name, attrs)
	}
}

// MergeSource records a provider's contribution under its own key. Existing
// keys of that provider are overwritten, other providers are untouched.
func (r *IndicatorRecord) MergeSource(name string, attrs map[string]any) {
	if r.Sources == nil {
		r.Sources = make(map[string]map[string]any)
	}
	dst, ok := r.Sources[name]
	if !ok {
		dst = make(map[string]any, len(attrs))
		r.Sources[name] = dst
	}
	for k, v := range attrs {
		dst[k] = v
	}
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func mergeTags(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, t := range incoming {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		existing = append(existing, t)
	}
	return existing
}
