package domain

import (
	"fmt"
	"strings"
	"time"
)

// Term lists are ordered so that reasons are deterministic.
var (
	CriticalMalwareFamilies = []string{
		"emotet", "trickbot", "ryuk", "ransomware", "wannacry",
		"lockbit", "conti", "revil", "sodinokibi", "blackmatter",
		"darkside", "ragnar", "maze", "egregor", "netwalker",
		"dridex", "qbot", "qakbot", "icedid", "cobalt strike",
		"metasploit", "mimikatz", "lazarus", "apt28", "apt29",
	}

	HighRiskMalwareFamilies = []string{
		"gozi", "ursnif", "zeus", "formbook", "agent tesla",
		"lokibot", "njrat", "remcos", "nanocore", "asyncrat",
		"redline", "vidar", "raccoon", "azorult", "baldr",
		"netwire", "warzone", "darkcomet", "poison ivy",
	}

	CriticalThreatTypes = []string{
		"ransomware", "c2", "command and control", "botnet",
		"apt", "advanced persistent threat", "0day", "zero-day",
		"exploit kit", "cryptominer",
	}

	malwareDownloadTerms = []string{"malware_download", "malware-download", "malware download"}
)

const (
	recentWeek  = 7 * 24 * time.Hour
	recentMonth = 30 * 24 * time.Hour
)

// Assessment is the output of a scoring pass.
type Assessment struct {
	Severity Severity
	Score    int
	Reasons  []string
}

// Score computes the additive severity score of a record. It is a pure
// function: the only notion of time is the now argument.
//
// Each factor contributes at most one tier (first match wins); factors add up.
func Score(r *IndicatorRecord, now time.Time) Assessment {
	var (
		score   int
		reasons []string
	)
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	// 1. detection rate
	if rate := r.ReputationDetectionRate; rate != nil {
		pct := *rate * 100
		switch {
		case *rate > 0.8:
			add(50, fmt.Sprintf("Reputation detection %.0f%% (>80%%)", pct))
		case *rate > 0.5:
			add(30, fmt.Sprintf("Reputation detection %.0f%% (>50%%)", pct))
		case *rate > 0.2:
			add(15, fmt.Sprintf("Reputation detection %.0f%% (>20%%)", pct))
		}
	}

	// 2. malware family
	if family := strings.ToLower(strings.TrimSpace(r.MalwareFamily)); family != "" {
		switch {
		case containsAny(family, CriticalMalwareFamilies):
			add(40, "Critical malware: "+family)
		case containsAny(family, HighRiskMalwareFamilies):
			add(25, "High-risk malware: "+family)
		default:
			add(10, "Known malware: "+family)
		}
	}

	// 3. abuse confidence
	if r.Type == IPv4 && r.AbuseConfidence != nil {
		c := *r.AbuseConfidence
		switch {
		case c > 90:
			add(30, fmt.Sprintf("Abuse confidence %d%% (>90%%)", c))
		case c > 70:
			add(20, fmt.Sprintf("Abuse confidence %d%% (>70%%)", c))
		case c > 50:
			add(10, fmt.Sprintf("Abuse confidence %d%% (>50%%)", c))
		}
	}

	// 4. threat context keywords
	text := strings.ToLower(r.Context + " " + r.ThreatType + " " + r.Description)
	if matches := matchingTerms(text, CriticalThreatTypes, 2); len(matches) > 0 {
		add(25, "Critical threat type: "+strings.Join(matches, ", "))
	}

	// 5. recency
	if !r.FirstSeen.IsZero() {
		age := now.Sub(r.FirstSeen)
		switch {
		case age < recentWeek:
			add(15, "Recent threat (<7 days)")
		case age < recentMonth:
			add(10, "Recent threat (<30 days)")
		}
	}

	// 6. url signal
	if r.Type == URL {
		switch {
		case r.URLStatus != nil && *r.URLStatus == URLOnline:
			add(20, "Active malware URL (online)")
		case containsAny(strings.ToLower(r.ThreatType), malwareDownloadTerms):
			add(15, "Confirmed malware distribution")
		}
	}

	// 7. reputation score
	if r.ReputationScore != nil && *r.ReputationScore < -50 {
		add(20, fmt.Sprintf("Negative reputation score: %d", *r.ReputationScore))
	}

	// 8. corroboration
	switch n := len(r.Sources); {
	case n >= 3:
		add(15, fmt.Sprintf("Confirmed by %d sources", n))
	case n >= 2:
		add(10, fmt.Sprintf("Confirmed by %d sources", n))
	}

	if reasons == nil {
		reasons = []string{}
	}
	return Assessment{
		Severity: SeverityFor(score),
		Score:    score,
		Reasons:  reasons,
	}
}

// ApplySeverity scores the record and replaces its severity fields.
func ApplySeverity(r *IndicatorRecord, now time.Time) Assessment {
	a := Score(r, now)
	r.Severity = a.Severity
	r.SeverityScore = a.Score
	r.SeverityReasons = a.Reasons
	return a
}

// SeverityFor buckets a score.
func SeverityFor(score int) Severity {
	switch {
	case score >= 70:
		return SeverityCritical
	case score >= 45:
		return SeverityHigh
	case score >= 20:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func matchingTerms(s string, terms []string, limit int) []string {
	var out []string
	for _, t := range terms {
		if strings.Contains(s, t) {
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
