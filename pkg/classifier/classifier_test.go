package classifier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(url string, headers ...string) []byte {
	var b strings.Builder
	b.WriteString("GET " + url + " HTTP/1.1\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

var browser = []string{
	"Host: www.example.com",
	"User-Agent: Mozilla/5.0",
	"Accept: text/html,application/xhtml+xml,*/*;q=0.8",
}

func TestClassifyStages(t *testing.T) {
	c := New(Rules{ExcludeHosts: []string{"cdn.example.net"}, ExcludeExtensions: []string{".png", ".js"}})
	page := request("/index.html", browser...)

	cases := []struct {
		name    string
		payload []byte
		want    bool
		stage   Stage
	}{
		{"browser page", request("/index.html", browser...), true, StageMatched},
		{"too short", []byte("GET / HTTP/1.1\r\n\r\n"), false, StageMinLen},
		{"post", []byte(strings.Replace(string(request("/form", browser...)), "GET", "POST", 1)), false, StageGet},
		{"no protocol", []byte("GET /index.html FTP/1.0\r\n" + strings.Join(browser, "\r\n") + "\r\n\r\n"), false, StageGet},
		{"url too long", request("/"+strings.Repeat("a", 300), browser...), false, StageGet},
		{"image", request("/logo.png", browser...), false, StageURL},
		{"script", request("/app.js", browser...), false, StageURL},
		{"no accept", request("/index.html", "Host: www.example.com", "User-Agent: curl/8.0 with a long tail"), false, StageAccept},
		{"json only", request("/api", "Host: www.example.com", "Accept: application/json", "User-Agent: x"), false, StageAccept},
		{"short accept", request("/index.html", "Host: www.example.com", "Accept: */*", "User-Agent: Mozilla/5.0 (X11)"), false, StageAccept},
		{"excluded host", request("/index.html", "Host: img.cdn.example.net", "Accept: text/html", "User-Agent: Mozilla/5.0"), false, StageHost},
		{"missing host", request("/index.html", "Accept: text/html", "User-Agent: Mozilla/5.0 (X11; Linux)"), false, StageHost},
		{"incomplete", page[:len(page)-2], false, StageBurst},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := c.Stats()
			assert.Equal(t, tc.want, c.Classify(tc.payload))
			after := c.Stats()
			assert.Equal(t, before.Get(StageAll)+1, after.Get(StageAll))
			assert.Equal(t, before.Get(tc.stage)+1, after.Get(tc.stage), "counted at %s", tc.stage)
		})
	}

	s := c.Stats()
	assert.EqualValues(t, len(cases), s.Get(StageAll))
	assert.EqualValues(t, 1, s.Get(StageMatched))
	assert.EqualValues(t, 2, s.Map()["url"])
}

func TestHeaderNamesAreCaseInsensitive(t *testing.T) {
	c := New(Rules{ExcludeHosts: []string{"blocked.example"}})
	assert.True(t, c.Classify(request("/", "HOST: www.example.com", "accept: text/html", "User-Agent: Mozilla/5.0")))
	assert.False(t, c.Classify(request("/", "host: blocked.example", "ACCEPT: text/html", "User-Agent: Mozilla/5.0")))
}

func TestNoHostRuleAllowsMissingHost(t *testing.T) {
	c := New(Rules{})
	assert.True(t, c.Classify(request("/index.html", "Accept: text/html", "User-Agent: Mozilla/5.0 (X11; Linux)")))
}

func TestSetRules(t *testing.T) {
	c := New(Rules{})
	page := request("/index.html", browser...)
	require.True(t, c.Classify(page))

	c.SetRules(Rules{ExcludeHosts: []string{"example.com"}})
	assert.False(t, c.Classify(page))
	assert.Equal(t, []string{"example.com"}, c.Rules().ExcludeHosts)

	// The returned rules are a copy.
	r := c.Rules()
	r.ExcludeHosts[0] = "other"
	assert.Equal(t, []string{"example.com"}, c.Rules().ExcludeHosts)
}

func TestConcurrentClassify(t *testing.T) {
	c := New(Rules{ExcludeExtensions: []string{".css"}})
	page := request("/index.html", browser...)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Classify(page)
				if j%10 == 0 {
					c.SetRules(Rules{ExcludeExtensions: []string{".css", ".gif"}})
				}
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 800, c.Stats().Get(StageAll))
	assert.EqualValues(t, 800, c.Stats().Get(StageMatched))
}

func TestParseRules(t *testing.T) {
	doc := `# exclusions
[host_whitelist]
cdn.example.net
static.example.org

[ext_whitelist]
.png
.jpg
`
	r, err := ParseRules(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"cdn.example.net", "static.example.org"}, r.ExcludeHosts)
	assert.Equal(t, []string{".png", ".jpg"}, r.ExcludeExtensions)

	_, err = ParseRules(strings.NewReader("[ext_whitelist]\n.verylongext\n"))
	assert.Error(t, err)
	_, err = ParseRules(strings.NewReader("[other]\nx\n"))
	assert.Error(t, err)

	merged := Rules{ExcludeHosts: []string{"a"}}.Merge(r)
	assert.Equal(t, []string{"a", "cdn.example.net", "static.example.org"}, merged.ExcludeHosts)
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	require.NoError(t, os.WriteFile(path, []byte("[host_whitelist]\nexample.com\n"), 0o644))
	r, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, r.ExcludeHosts)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	c := New(Rules{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStageNames(t *testing.T) {
	var names []string
	for _, s := range Stages() {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"all", "min_len", "get", "url", "accept", "host", "burst", "matched"}, names)
	assert.Equal(t, "unknown", Stage(42).String())
}
