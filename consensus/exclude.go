package consensus

import (
	"encoding/hex"
	"net/netip"
	"sort"
	"strings"
)

// Country codes tor reports for addresses it cannot place.
const (
	unknownCountry   = "??"
	anonymousCountry = "a1"
)

// ExcludeSet is a parsed ExcludeNodes option.
type ExcludeSet struct {
	Fingerprints map[string]struct{}
	Nicknames    map[string]struct{}
	Countries    map[string]struct{}
	Networks     []netip.Prefix
}

// ParseExcludeNodes parses the ExcludeNodes option value together with
// GeoIPExcludeUnknown. With GeoIPExcludeUnknown=1 relays in unknown
// countries are always excluded, with "auto" only when some country is
// listed. Entries we cannot interpret are skipped.
func ParseExcludeNodes(conf, geoipExcludeUnknown string) *ExcludeSet {
	set := &ExcludeSet{
		Fingerprints: make(map[string]struct{}),
		Nicknames:    make(map[string]struct{}),
		Countries:    make(map[string]struct{}),
	}

	for _, part := range strings.Split(conf, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		set.add(entry)
	}

	excludeUnknown := geoipExcludeUnknown == "1" ||
		(geoipExcludeUnknown == "auto" && len(set.Countries) > 0)
	if excludeUnknown {
		set.Countries[unknownCountry] = struct{}{}
		set.Countries[anonymousCountry] = struct{}{}
	}

	return set
}

func (s *ExcludeSet) add(entry string) {
	if cc, ok := strings.CutPrefix(entry, "{"); ok {
		cc, ok = strings.CutSuffix(cc, "}")
		if ok && isCountryCode(cc) {
			s.Countries[strings.ToLower(cc)] = struct{}{}
		}

		return
	}

	fp := strings.TrimPrefix(entry, "$")
	if i := strings.IndexAny(fp, "~="); i >= 0 {
		fp = fp[:i]
	}
	if isFingerprint(fp) {
		s.Fingerprints[strings.ToUpper(fp)] = struct{}{}
		return
	}

	if strings.ContainsAny(entry, ".:") {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			s.Networks = append(s.Networks, prefix.Masked())
			return
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			s.Networks = append(s.Networks,
				netip.PrefixFrom(addr, addr.BitLen()))
		}

		return
	}

	s.Nicknames[entry] = struct{}{}
}

// Empty returns true if nothing is excluded.
func (s *ExcludeSet) Empty() bool {
	return s == nil || (len(s.Fingerprints) == 0 &&
		len(s.Nicknames) == 0 && len(s.Countries) == 0 &&
		len(s.Networks) == 0)
}

// HasCountries returns true if country lookups are needed to evaluate the
// set.
func (s *ExcludeSet) HasCountries() bool {
	return s != nil && len(s.Countries) > 0
}

// Excludes returns true if relay matches any entry. Country entries are
// matched against relay.Country, which the View fills in when the set
// needs it.
func (s *ExcludeSet) Excludes(relay *Relay) bool {
	if s == nil {
		return false
	}

	if _, ok := s.Fingerprints[relay.Fingerprint]; ok {
		return true
	}
	if _, ok := s.Nicknames[relay.Nickname]; ok {
		return true
	}

	for _, addr := range relay.Addrs() {
		for _, network := range s.Networks {
			if network.Contains(addr.Unmap()) {
				return true
			}
		}
	}

	if relay.Country != "" {
		if _, ok := s.Countries[relay.Country]; ok {
			return true
		}
	}

	return false
}

// String lists the set for logging.
func (s *ExcludeSet) String() string {
	if s.Empty() {
		return "none"
	}

	var parts []string
	for fp := range s.Fingerprints {
		parts = append(parts, "$"+fp)
	}
	for nick := range s.Nicknames {
		parts = append(parts, nick)
	}
	for cc := range s.Countries {
		parts = append(parts, "{"+cc+"}")
	}
	for _, network := range s.Networks {
		parts = append(parts, network.String())
	}
	sort.Strings(parts)

	return strings.Join(parts, ",")
}

func isFingerprint(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)

	return err == nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}

	return true
}
