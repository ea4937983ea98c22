package upstream

import (
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"golang.org/x/net/idna"
)

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(true),
	idna.ValidateLabels(true),
)

// NormalizeDomain turns user input such as "https://Example.COM/path" into the
// ASCII host name "example.com". Anything that is not a registrable-looking
// host name is rejected with code 2001.
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &model.ValidationError{Code: model.ValidationBadRequest, Field: "domain", Message: "domain is required"}
	}

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")

	host, err := domainProfile.ToASCII(s)
	if err != nil || !validHost(host) {
		return "", invalidDomain(raw)
	}
	return host, nil
}

func validHost(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if len(l) == 0 || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
			return false
		}
	}
	tld := labels[len(labels)-1]
	return strings.IndexFunc(tld, func(r rune) bool { return r < '0' || r > '9' }) >= 0
}

func invalidDomain(raw string) error {
	return &model.ValidationError{
		Code:    model.ValidationInvalidDomain,
		Field:   "domain",
		Message: "invalid domain: " + raw,
	}
}
