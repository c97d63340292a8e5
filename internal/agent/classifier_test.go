package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func TestClassifyEmptyUserAgent(t *testing.T) {
	c := NewClassifier(nil)

	for _, ua := range []string{"", "   "} {
		got := c.Classify(ua)
		assert.True(t, got.Bot)
		assert.Equal(t, "empty user agent", got.Reason)
	}
}

func TestClassifyNormalBrowser(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify(chromeUA)
	assert.False(t, got.Bot)
	assert.Empty(t, got.Reason)
}

func TestClassifyCrawlers(t *testing.T) {
	c := NewClassifier(nil)

	crawlers := []string{
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		"curl/8.4.0",
		"Wget/1.21",
		"python-requests/2.31.0",
		"Go-http-client/1.1",
		"Mozilla/5.0 (compatible; YandexBot/3.0)",
		"Mozilla/5.0 AppleWebKit/537.36 HeadlessChrome/119.0",
	}
	for _, ua := range crawlers {
		got := c.Classify(ua)
		assert.True(t, got.Bot, "UA %q should classify as bot", ua)
	}
}

func TestClassifyBlacklistSubstring(t *testing.T) {
	c := NewClassifier([]string{"BadAgent"})

	got := c.Classify("Mozilla/5.0 badagent/1.0")
	assert.True(t, got.Bot)
	assert.Equal(t, "blacklisted user agent", got.Reason)

	assert.False(t, c.Classify(chromeUA).Bot)
}

func TestClassifyBlacklistExact(t *testing.T) {
	c := NewClassifier([]string{"exact:EvilClient/1.0"})

	assert.True(t, c.Classify("EvilClient/1.0").Bot)
	// Exact patterns do not match substrings.
	assert.False(t, c.Classify("Mozilla/5.0 EvilClient/1.0 extra").Bot)
}

func TestClassifyBlacklistRegex(t *testing.T) {
	c := NewClassifier([]string{`regex:^Suspicious/\d+`})

	assert.True(t, c.Classify("Suspicious/42").Bot)
	assert.False(t, c.Classify("Mostly Suspicious").Bot)
}

func TestClassifyInvalidRegexSkipped(t *testing.T) {
	// A broken pattern must not poison the classifier.
	c := NewClassifier([]string{"regex:["})
	assert.False(t, c.Classify(chromeUA).Bot)
}
