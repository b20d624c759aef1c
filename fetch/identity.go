package fetch

import "sync"

// Identity is one rotating set of request headers used to vary how
// outbound traffic looks. Pools are immutable after construction and
// safe to share across clients.
type Identity struct {
	UserAgent      string
	Referer        string
	AcceptLanguage string
}

// DefaultUserAgents is the built-in rotation pool used when a source
// does not configure its own.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
}

// DefaultReferrers is the built-in referrer rotation pool.
var DefaultReferrers = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://www.facebook.com/",
	"https://www.instagram.com/",
	"https://www.pinterest.com/",
	"https://twitter.com/",
}

// DefaultAcceptLanguages is the built-in accept-language rotation pool.
var DefaultAcceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.8",
	"en-US,en;q=0.9,ur;q=0.6",
}

// IdentityPool hands out identities round-robin. Consecutive calls
// never return the same user agent as long as the pool holds more than
// one, which is what lets a retry present a fresh identity.
type IdentityPool struct {
	userAgents []string
	referrers  []string
	languages  []string

	mu   sync.Mutex
	next int
}

// NewIdentityPool builds a pool from the given value lists; empty lists
// fall back to the built-in defaults.
func NewIdentityPool(userAgents, referrers, languages []string) *IdentityPool {
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents
	}
	if len(referrers) == 0 {
		referrers = DefaultReferrers
	}
	if len(languages) == 0 {
		languages = DefaultAcceptLanguages
	}
	return &IdentityPool{
		userAgents: userAgents,
		referrers:  referrers,
		languages:  languages,
	}
}

// Next returns the next identity in rotation.
func (p *IdentityPool) Next() Identity {
	p.mu.Lock()
	n := p.next
	p.next++
	p.mu.Unlock()

	return Identity{
		UserAgent:      p.userAgents[n%len(p.userAgents)],
		Referer:        p.referrers[n%len(p.referrers)],
		AcceptLanguage: p.languages[n%len(p.languages)],
	}
}

// Size returns how many distinct user agents the pool rotates through.
func (p *IdentityPool) Size() int {
	return len(p.userAgents)
}
