package netutil

import "testing"

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		// Full target URLs, the common case.
		{"https://www.ebay.co.uk/sch/i.html?_nkw=laptop", "ebay.co.uk"},
		{"https://craigslist.org/search/sss", "craigslist.org"},
		{"http://listings.example.com:8080/feed?page=1", "example.com"},
		{"//example.com/feed", "example.com"},

		// Host forms.
		{"www.ebay.co.uk:443", "ebay.co.uk"},
		{"sub.example.com", "example.com"},
		{"example.com:8080", "example.com"},
		{"EXAMPLE.COM", "example.com"},

		// IP addresses group under themselves.
		{"192.168.1.20:8080", "192.168.1.20"},
		{"10.0.0.1", "10.0.0.1"},
		{"[::1]:80", "::1"},
		{"[::1]", "::1"},

		// Internal names.
		{"localhost", "localhost"},
		{"localhost:3000", "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ExtractDomain(tt.input)
			if got != tt.want {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeSource(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		// Case, default ports, fragments, trailing slashes.
		{"HTTPS://Market.Example.com/search?q=bikes", "https://market.example.com/search?q=bikes"},
		{"https://market.example.com:443/search?q=bikes", "https://market.example.com/search?q=bikes"},
		{"http://market.example.com:80/search", "http://market.example.com/search"},
		{"https://market.example.com/search/#results", "https://market.example.com/search"},
		{"  https://market.example.com/search \t", "https://market.example.com/search"},

		// Query keys sort; values and repeats keep their order.
		{"https://m.example.com/s?z=1&a=2", "https://m.example.com/s?a=2&z=1"},
		{"https://m.example.com/s?t=b&t=a", "https://m.example.com/s?t=b&t=a"},

		// Non-default ports survive.
		{"http://scraper.internal:8080/feed", "http://scraper.internal:8080/feed"},

		// Unparseable or scheme-less input passes through trimmed.
		{"  market.example.com/search ", "market.example.com/search"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := NormalizeSource(tt.input)
			if got != tt.want {
				t.Errorf("NormalizeSource(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeSource_Idempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://Market.Example.com:443/search/?z=1&a=2#frag",
		"https://market.example.com/search?a=2&z=1",
		"http://scraper.internal:8080/feed",
	}
	for _, in := range inputs {
		once := NormalizeSource(in)
		if twice := NormalizeSource(once); twice != once {
			t.Errorf("NormalizeSource not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}
