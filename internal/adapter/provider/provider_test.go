package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

func serve(t *testing.T, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOTXProvider_Fetch(t *testing.T) {
	body := `{"results":[{
		"id":"pulse-1","name":"Emotet wave","author_name":"AlienVault","tlp":"white",
		"created":"2026-03-01T10:00:00.000000","tags":["emotet","banking"],
		"indicators":[
			{"indicator":"45.9.148.3","type":"IPv4","description":"C2 server","created":"2026-03-01T10:00:00"},
			{"indicator":"evil.example","type":"hostname"},
			{"indicator":"CVE-2024-3400","type":"CVE"},
			{"indicator":"Global\\mutex","type":"Mutex"},
			{"indicator":"","type":"domain"},
			{"indicator":"bad.example","type":"domain","created":"not a date"}
		]}]}`

	server := serve(t, body, func(r *http.Request) {
		assert.Equal(t, "/pulses/subscribed", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "otx-key", r.Header.Get("X-OTX-API-KEY"))
	})

	p := NewOTXProvider(server.Client(), "otx-key", server.URL)
	batch, err := p.Fetch(context.Background(), 5)
	require.NoError(t, err)

	require.Len(t, batch.Indicators, 3)
	assert.Equal(t, 2, batch.Malformed)

	ip := batch.Indicators[0]
	assert.Equal(t, "45.9.148.3", ip.Value)
	assert.Equal(t, domain.IPv4, ip.TypeHint)
	assert.Equal(t, "From OTX pulse: Emotet wave", ip.Description)
	assert.Equal(t, "AlienVault", ip.ThreatActor)
	assert.Equal(t, "C2 server", ip.Context)
	assert.Equal(t, domain.SourceOTX, ip.Source)
	assert.Equal(t, "pulse-1", ip.Attributes["otx"]["pulse_id"])
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ip.FirstSeen)

	assert.Equal(t, domain.Domain, batch.Indicators[1].TypeHint)
	assert.Equal(t, domain.CVE, batch.Indicators[2].TypeHint)
}

func TestOTXProvider_MissingKey(t *testing.T) {
	p := NewOTXProvider(nil, "", "http://127.0.0.1:1")
	_, err := p.Fetch(context.Background(), 10)
	assert.ErrorIs(t, err, domain.ErrFeedUnavailable)
}

func TestOTXProvider_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := NewOTXProvider(server.Client(), "k", server.URL)
	_, err := p.Fetch(context.Background(), 10)
	assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))
}

const urlhausCSV = `################################################################
# abuse.ch URLhaus Database Dump (CSV - recent URLs only)      #
################################################################
# id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter
"3001","2026-03-09 08:00:01","http://198.51.100.7/bins/mozi.m","online","2026-03-09 08:00:01","malware_download","elf,Mozi","https://urlhaus.abuse.ch/url/3001/","lrz_urlhaus"
"3002","yesterday","http://bad.example/x","online","","malware_download","","",""
"3003","2026-03-09 07:00:00","http://dropper.example/a.exe","offline","","malware_download","exe","https://urlhaus.abuse.ch/url/3003/","anon"
`

func TestURLHausProvider_Fetch(t *testing.T) {
	server := serve(t, urlhausCSV, nil)

	p := NewURLHausProvider(server.Client(), server.URL)
	batch, err := p.Fetch(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Malformed)
	require.Len(t, batch.Indicators, 4)

	u := batch.Indicators[0]
	assert.Equal(t, "http://198.51.100.7/bins/mozi.m", u.Value)
	assert.Equal(t, domain.URL, u.TypeHint)
	assert.Equal(t, "online", u.URLStatus)
	assert.Equal(t, []string{"elf", "Mozi"}, u.Tags)
	assert.Equal(t, "3001", u.Attributes["urlhaus"]["id"])

	host := batch.Indicators[1]
	assert.Equal(t, "198.51.100.7", host.Value)
	assert.Equal(t, domain.IPv4, host.TypeHint)
	assert.Equal(t, u.Value, host.RelatedURL)
	assert.Nil(t, host.Attributes)

	assert.Equal(t, "dropper.example", batch.Indicators[3].Value)
	assert.Equal(t, domain.Domain, batch.Indicators[3].TypeHint)
}

func TestURLHausProvider_Limit(t *testing.T) {
	server := serve(t, urlhausCSV, nil)

	p := NewURLHausProvider(server.Client(), server.URL)
	batch, err := p.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, batch.Indicators, 2, "one URL plus its host")
}

func TestURLHausPayloadsProvider_Fetch(t *testing.T) {
	body := `{"query_status":"ok","payloads":[
		{"firstseen":"2026-03-09 07:12:00","file_type":"exe","file_size":"20480",
		 "md5_hash":"0cc175b9c0f1b6a831c399e269772661",
		 "sha256_hash":"ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb",
		 "signature":"AgentTesla"},
		{"firstseen":"2026-03-09 07:13:00","file_type":"dll"}
	]}`
	server := serve(t, body, func(r *http.Request) {
		assert.Equal(t, "/payloads/recent/", r.URL.Path)
	})

	p := NewURLHausPayloadsProvider(server.Client(), "", server.URL)
	batch, err := p.Fetch(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Malformed)
	require.Len(t, batch.Indicators, 2)
	assert.Equal(t, domain.SHA256, batch.Indicators[0].TypeHint)
	assert.Equal(t, domain.MD5, batch.Indicators[1].TypeHint)
	assert.Equal(t, "AgentTesla", batch.Indicators[1].MalwareFamily)
	assert.Equal(t, "URLhaus malware payload - exe", batch.Indicators[0].Description)
}

func TestURLHausPayloadsProvider_QueryFailed(t *testing.T) {
	server := serve(t, `{"query_status":"unknown_auth_key"}`, nil)

	p := NewURLHausPayloadsProvider(server.Client(), "bad", server.URL)
	_, err := p.Fetch(context.Background(), 10)
	assert.ErrorIs(t, err, domain.ErrFeedUnavailable)
}

func TestSimpleListProvider_Fetch(t *testing.T) {
	body := `# Feodo Tracker blocklist
198.51.100.23
203.0.113.9:443 # c2
evil.example
http://203.0.113.50/payload.sh
not_an_indicator
`
	server := serve(t, body, nil)

	p := NewSimpleListProvider(server.Client(), "feodo", server.URL, "botnet_cc")
	batch, err := p.Fetch(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Malformed)

	var values []string
	for _, ind := range batch.Indicators {
		values = append(values, ind.Value)
		assert.Equal(t, domain.SourceBlocklist, ind.Source)
		assert.Equal(t, "botnet_cc", ind.ThreatType)
	}
	assert.Equal(t, []string{
		"198.51.100.23",
		"203.0.113.9",
		"evil.example",
		"http://203.0.113.50/payload.sh",
		"203.0.113.50",
	}, values)
}

func TestOSVProvider_Fetch(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{
		"GHSA-1.json": `{"id":"GHSA-aaaa","summary":"RCE in parser","aliases":["CVE-2025-1111"],
			"affected":[{"package":{"name":"yaml-lib"}}],
			"modified":"2026-03-01T00:00:00Z","published":"2026-02-20T00:00:00Z"}`,
		"GHSA-2.json": `{"id":"GHSA-bbbb","summary":"no cve","modified":"2026-03-02T00:00:00Z"}`,
		"broken.json": `{`,
		"README.txt":  "ignored",
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PyPI/all.zip", r.URL.Path)
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	p := NewOSVProvider(server.Client(), "PyPI", server.URL)
	assert.Equal(t, "osv_pypi", p.Name())

	batch, err := p.Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Malformed)
	require.Len(t, batch.Indicators, 1)

	ind := batch.Indicators[0]
	assert.Equal(t, "CVE-2025-1111", ind.Value)
	assert.Equal(t, domain.CVE, ind.TypeHint)
	assert.Equal(t, "yaml-lib", ind.Context)
	assert.Equal(t, domain.SourceAdvisory, ind.Source)
	assert.Equal(t, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC), ind.FirstSeen)
}

func TestManualProvider_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iocs.txt")
	content := "# analyst submissions\n45.9.148.3,seen in phishing\nevil.example\n ,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p := NewManualProvider(path)
	batch, err := p.Fetch(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, batch.Indicators, 2)
	assert.Equal(t, 1, batch.Malformed)
	assert.Equal(t, "seen in phishing", batch.Indicators[0].Description)
	assert.Equal(t, domain.IPv4, batch.Indicators[0].TypeHint)
	assert.Equal(t, domain.SourceManual, batch.Indicators[1].Source)
}

func TestManualProvider_MissingFile(t *testing.T) {
	p := NewManualProvider(filepath.Join(t.TempDir(), "missing.txt"))
	_, err := p.Fetch(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrFeedUnavailable)
}

func TestParseTime(t *testing.T) {
	ts, ok := parseTime("2026-03-09 08:00:01")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 0, 1, 0, time.UTC), ts)

	ts, ok = parseTime("")
	assert.True(t, ok)
	assert.True(t, ts.IsZero())

	_, ok = parseTime("03/09/2026")
	assert.False(t, ok)
}
