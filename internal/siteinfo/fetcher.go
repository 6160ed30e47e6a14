package siteinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

const apiQuery = "action=query&meta=siteinfo&siprop=general%7Cnamespaces%7Cmagicwords&format=json"

// Config controls how siteinfo is fetched.
type Config struct {
	// BaseURL is the wiki root. A "%s" verb is replaced by the language,
	// e.g. "https://%s.wikipedia.org".
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Fetcher downloads siteinfo from the MediaWiki API using Colly.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://%s.wikipedia.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// URL returns the API endpoint queried for lang.
func (f *Fetcher) URL(lang string) string {
	base := f.cfg.BaseURL
	if strings.Contains(base, "%s") {
		base = fmt.Sprintf(base, url.PathEscape(lang))
	}
	return strings.TrimRight(base, "/") + "/w/api.php?" + apiQuery
}

// Fetch retrieves and decodes the siteinfo for lang.
func (f *Fetcher) Fetch(ctx context.Context, lang string) (Info, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	target := f.URL(lang)
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return Info{}, fmt.Errorf("siteinfo fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Info{}, fmt.Errorf("visit %s: %w", target, err)
		}
	}
	if fetchErr != nil {
		return Info{}, fmt.Errorf("fetch %s: %w", target, fetchErr)
	}
	return decodeResponse(body)
}

func decodeResponse(body []byte) (Info, error) {
	var envelope struct {
		Query *Info `json:"query"`
		Error *struct {
			Code string `json:"code"`
			Info string `json:"info"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Info{}, fmt.Errorf("decode siteinfo response: %w", err)
	}
	if envelope.Error != nil {
		return Info{}, fmt.Errorf("siteinfo api error %s: %s", envelope.Error.Code, envelope.Error.Info)
	}
	if envelope.Query == nil || envelope.Query.General.SiteName == "" {
		return Info{}, fmt.Errorf("siteinfo response has no general section")
	}
	return *envelope.Query, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
