package domain

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	md5Pattern    = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)
	sha1Pattern   = regexp.MustCompile(`^[a-fA-F0-9]{40}$`)
	sha256Pattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	cvePattern    = regexp.MustCompile(`^(?i)CVE-\d{4}-\d{4,7}$`)
	emailPattern  = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	domainPattern = regexp.MustCompile(`^(?i)(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
)

// Hosts that show up in threat reports as references, not as threats.
var benignDomains = map[string]struct{}{
	"localhost": {}, "example.com": {}, "example.org": {}, "example.net": {},
	"test.com": {}, "domain.com": {}, "google.com": {}, "microsoft.com": {},
	"w3.org": {}, "ietf.org": {}, "github.com": {}, "stackoverflow.com": {},
}

// DetectIOCType infers the indicator type from its value. It returns an empty
// type when nothing matches.
func DetectIOCType(value string) IOCType {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return ""
	case strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://"):
		return URL
	case isIPv4(value):
		return IPv4
	case sha256Pattern.MatchString(value):
		return SHA256
	case sha1Pattern.MatchString(value):
		return SHA1
	case md5Pattern.MatchString(value):
		return MD5
	case cvePattern.MatchString(value):
		return CVE
	case emailPattern.MatchString(value):
		return Email
	case domainPattern.MatchString(value):
		return Domain
	}
	return ""
}

// NormalizeIOCValue normalizes IOC values for better matching
func NormalizeIOCValue(value string, iocType IOCType) string {
	value = strings.TrimSpace(value)
	switch iocType {
	case URL:
		value = strings.ToLower(value)
		return strings.TrimSuffix(value, "/")
	case Domain, Email, MD5, SHA1, SHA256:
		return strings.ToLower(strings.TrimSuffix(value, "."))
	case CVE:
		return strings.ToUpper(value)
	default:
		return value
	}
}

// Canonicalize types, normalizes and validates a raw indicator. Without a
// valid type hint the type is detected from the value. A hint must agree with
// the value shape: a hash hint is corrected to the detected hash type, a url
// hint is checked by parsing, and any other disagreement is rejected.
// Rejected indicators wrap ErrMalformedInput.
func Canonicalize(raw RawIndicator) (RawIndicator, error) {
	value := strings.TrimSpace(raw.Value)
	if value == "" {
		return raw, fmt.Errorf("%w: empty value", ErrMalformedInput)
	}

	t, err := resolveType(value, raw.TypeHint)
	if err != nil {
		return raw, err
	}

	value = NormalizeIOCValue(value, t)

	switch t {
	case IPv4:
		if !isIPv4(value) {
			return raw, fmt.Errorf("%w: invalid ipv4 %q", ErrMalformedInput, value)
		}
		if isPrivateIPv4(value) {
			return raw, fmt.Errorf("%w: non-routable ipv4 %q", ErrMalformedInput, value)
		}
	case Domain:
		if _, benign := benignDomains[value]; benign {
			return raw, fmt.Errorf("%w: benign domain %q", ErrMalformedInput, value)
		}
	case URL:
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return raw, fmt.Errorf("%w: invalid url %q", ErrMalformedInput, value)
		}
	}

	raw.Value = value
	raw.TypeHint = t
	return raw, nil
}

func resolveType(value string, hint IOCType) (IOCType, error) {
	if !hint.Valid() {
		t := DetectIOCType(value)
		if t == "" {
			return "", fmt.Errorf("%w: cannot determine type of %q", ErrMalformedInput, value)
		}
		return t, nil
	}
	if hint == URL {
		return URL, nil
	}

	detected := DetectIOCType(NormalizeIOCValue(value, hint))
	switch {
	case detected == hint:
		return hint, nil
	case hint.IsHash() && detected.IsHash():
		return detected, nil
	}
	return "", fmt.Errorf("%w: %q does not look like a %s", ErrMalformedInput, value, hint)
}

// ExtractIOCComponents extracts the host of a URL indicator as its own
// indicator. For "http://198.0.2.12/malware.sh" it returns the URL and the
// ipv4 198.0.2.12; for a hostname it returns a domain indicator.
func ExtractIOCComponents(source RawIndicator) []RawIndicator {
	components := []RawIndicator{source}
	if source.TypeHint != URL && DetectIOCType(source.Value) != URL {
		return components
	}

	u, err := url.Parse(source.Value)
	if err != nil {
		return components
	}
	host := u.Hostname()
	if host == "" || host == source.Value || !strings.Contains(host, ".") {
		return components
	}

	hostType := Domain
	if net.ParseIP(host) != nil {
		if !isIPv4(host) {
			return components
		}
		hostType = IPv4
	}

	component := source
	component.Value = host
	component.TypeHint = hostType
	component.URLStatus = ""
	component.RelatedURL = source.Value
	component.Description = "Host from " + source.Feed + " malware URL"
	component.Tags = append([]string{"extracted-from-url"}, source.Tags...)
	component.Attributes = nil

	return append(components, component)
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && strings.Count(s, ".") == 3
}

func isPrivateIPv4(s string) bool {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip[0] == 0 || ip[0] == 255
}
