package search

import (
	"regexp"
	"sync"
)

// compiled caches rule-engine regex compilations; rule queries are few and
// long-lived, so the cache is unbounded.
var compiled sync.Map // pattern → *regexp.Regexp

func regexpCompileCached(pattern string) (*regexp.Regexp, error) {
	if re, ok := compiled.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	compiled.Store(pattern, re)
	return re, nil
}
