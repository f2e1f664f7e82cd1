package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectIOCType(t *testing.T) {
	cases := map[string]IOCType{
		"http://evil.example/payload.bin":                                  URL,
		"https://evil.example":                                             URL,
		"45.9.148.3":                                                       IPv4,
		"d41d8cd98f00b204e9800998ecf8427e":                                 MD5,
		"da39a3ee5e6b4b0d3255bfef95601890afd80709":                         SHA1,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855": SHA256,
		"CVE-2024-3400":                                                    CVE,
		"cve-2021-44228":                                                   CVE,
		"ops@evil.example":                                                 Email,
		"evil.example":                                                     Domain,
		"not an indicator":                                                 "",
		"":                                                                 "",
		"999.1.1.1":                                                        "",
	}
	for value, want := range cases {
		assert.Equal(t, want, DetectIOCType(value), value)
	}
}

func TestCanonicalize(t *testing.T) {
	raw, err := Canonicalize(RawIndicator{Value: "  Evil.Example. ", TypeHint: Domain})
	require.NoError(t, err)
	assert.Equal(t, "evil.example", raw.Value)

	raw, err = Canonicalize(RawIndicator{Value: "cve-2021-44228"})
	require.NoError(t, err)
	assert.Equal(t, "CVE-2021-44228", raw.Value)
	assert.Equal(t, CVE, raw.TypeHint)

	raw, err = Canonicalize(RawIndicator{Value: "D41D8CD98F00B204E9800998ECF8427E", TypeHint: SHA256})
	require.NoError(t, err, "a wrong hash hint is corrected from the value")
	assert.Equal(t, MD5, raw.TypeHint)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", raw.Value)

	raw, err = Canonicalize(RawIndicator{Value: "Admin@Evil.Example", TypeHint: Email})
	require.NoError(t, err)
	assert.Equal(t, Email, raw.TypeHint)
	assert.Equal(t, "admin@evil.example", raw.Value)

	raw, err = Canonicalize(RawIndicator{Value: "45.9.148.3", TypeHint: "hostname"})
	require.NoError(t, err, "an unknown hint falls back to detection")
	assert.Equal(t, IPv4, raw.TypeHint)
}

func TestCanonicalize_Rejects(t *testing.T) {
	for _, raw := range []RawIndicator{
		{Value: ""},
		{Value: "   "},
		{Value: "no idea what this is"},
		{Value: "192.168.1.10", TypeHint: IPv4},
		{Value: "127.0.0.1"},
		{Value: "example.com", TypeHint: Domain},
		{Value: "http://", TypeHint: URL},
		{Value: "not a cve", TypeHint: CVE},
		{Value: "45.9.148.3", TypeHint: Domain},
		{Value: "junk", TypeHint: Email},
		{Value: "evil.example", TypeHint: IPv4},
		{Value: "CVE-2024-3400", TypeHint: SHA1},
		{Value: "junk", TypeHint: URL},
	} {
		_, err := Canonicalize(raw)
		assert.True(t, errors.Is(err, ErrMalformedInput), "%q should be rejected", raw.Value)
	}
}

func TestExtractIOCComponents(t *testing.T) {
	src := RawIndicator{
		Value:      "http://198.51.100.7/bins/mips",
		TypeHint:   URL,
		Feed:       "urlhaus",
		URLStatus:  "online",
		Tags:       []string{"mirai"},
		Attributes: map[string]map[string]any{"urlhaus": {"id": "1"}},
	}
	got := ExtractIOCComponents(src)
	require.Len(t, got, 2)

	host := got[1]
	assert.Equal(t, "198.51.100.7", host.Value)
	assert.Equal(t, IPv4, host.TypeHint)
	assert.Equal(t, src.Value, host.RelatedURL)
	assert.Empty(t, host.URLStatus)
	assert.Nil(t, host.Attributes)
	assert.Equal(t, []string{"extracted-from-url", "mirai"}, host.Tags)
	assert.Equal(t, []string{"mirai"}, got[0].Tags, "the url keeps its own tags")

	got = ExtractIOCComponents(RawIndicator{Value: "https://login.evil.example/x", TypeHint: URL})
	require.Len(t, got, 2)
	assert.Equal(t, Domain, got[1].TypeHint)

	assert.Len(t, ExtractIOCComponents(RawIndicator{Value: "evil.example", TypeHint: Domain}), 1)
	assert.Len(t, ExtractIOCComponents(RawIndicator{Value: "http://intranet/x", TypeHint: URL}), 1)
}

func TestNewIndicatorRecord(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rec := NewIndicatorRecord(RawIndicator{
		Value:      "http://evil.example/x",
		TypeHint:   URL,
		Source:     SourceURLhaus,
		URLStatus:  "offline",
		Tags:       []string{"elf", "elf", ""},
		Attributes: map[string]map[string]any{"urlhaus": {"id": "7"}},
	}, now)

	assert.Equal(t, CategoryURL, rec.Category)
	assert.Equal(t, now, rec.FirstSeen)
	assert.Equal(t, SeverityUnknown, rec.Severity)
	require.NotNil(t, rec.URLStatus)
	assert.Equal(t, URLOffline, *rec.URLStatus)
	assert.Equal(t, []string{"elf"}, rec.Tags)
	assert.Equal(t, "7", rec.Sources["urlhaus"]["id"])
	assert.NotEqual(t, [16]byte{}, [16]byte(rec.CorrelationID))
}

func TestMergeRaw_KeepsExistingValues(t *testing.T) {
	rec := &IndicatorRecord{Type: Domain, ThreatType: "phishing", Tags: []string{"a"}}
	rec.MergeRaw(RawIndicator{
		ThreatType:    "botnet_cc",
		MalwareFamily: "qakbot",
		Tags:          []string{"b", "a"},
		URLStatus:     "online",
	})

	assert.Equal(t, "phishing", rec.ThreatType)
	assert.Equal(t, "qakbot", rec.MalwareFamily)
	assert.Equal(t, []string{"a", "b"}, rec.Tags)
	assert.Nil(t, rec.URLStatus, "url status only applies to urls")
}

func TestMergeSource(t *testing.T) {
	rec := &IndicatorRecord{}
	rec.MergeSource("virustotal", map[string]any{"malicious": 3})
	rec.MergeSource("abuseipdb", map[string]any{"abuse_confidence_score": 80})
	rec.MergeSource("virustotal", map[string]any{"malicious": 5, "harmless": 60})

	assert.Len(t, rec.Sources, 2)
	assert.Equal(t, 5, rec.Sources["virustotal"]["malicious"])
	assert.Equal(t, 60, rec.Sources["virustotal"]["harmless"])
	assert.Equal(t, 80, rec.Sources["abuseipdb"]["abuse_confidence_score"])
}

func TestParseURLStatus(t *testing.T) {
	st, ok := ParseURLStatus("online")
	assert.True(t, ok)
	assert.Equal(t, URLOnline, st)

	_, ok = ParseURLStatus("unknown")
	assert.False(t, ok)
}
