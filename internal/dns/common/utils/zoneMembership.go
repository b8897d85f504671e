package utils

import "strings"

// InZone reports whether name is equal to zone or lies beneath it on a label
// boundary. Both arguments are canonicalized first, so case and trailing dots
// are ignored. The root zone ("" or ".") contains every name.
//
//	InZone("ads.example.com", "example.com") == true
//	InZone("notexample.com", "example.com") == false
func InZone(name, zone string) bool {
	name = CanonicalDNSName(name)
	zone = CanonicalDNSName(zone)
	if zone == "" {
		return true
	}
	if len(name) < len(zone) || !strings.HasSuffix(name, zone) {
		return false
	}
	if len(name) == len(zone) {
		return true
	}
	return name[len(name)-len(zone)-1] == '.'
}
