package net

import (
	"net/http"
	"sort"
	"strings"
)

// HeaderPairs lists the headers the way they are delivered to filters:
// lower-cased names in ascending order, the values of one name in their
// original order. Multiple values of a name are listed as separate
// pairs.
func HeaderPairs(h http.Header) [][2]string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([][2]string, 0, len(h))
	for _, k := range names {
		name := strings.ToLower(k)
		for _, v := range h[k] {
			pairs = append(pairs, [2]string{name, v})
		}
	}

	return pairs
}

// PairsHeader builds an http.Header from pairs, skipping pseudo headers
// like ":path".
func PairsHeader(pairs [][2]string) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		if strings.HasPrefix(p[0], ":") {
			continue
		}
		h.Add(p[0], p[1])
	}

	return h
}
