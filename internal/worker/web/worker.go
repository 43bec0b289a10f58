// Package webworker implements the bounded crawl worker using gocolly.
package webworker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
)

// Config controls collector behavior and invocation bounds.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PagesPerInvoke caps the pages fetched per Invoke call.
	PagesPerInvoke int
}

// Worker fetches pages from the continuation frontier, persists extracted
// text through the content sink and reports follow links back into the
// frontier. Each Invoke is bounded; the orchestrator drives the loop.
type Worker struct {
	sink          ingest.ContentSink
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// page holds what one fetch produced.
type page struct {
	url   string
	title string
	text  string
	links []string
}

// New builds a Worker.
func New(sink ingest.ContentSink, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PagesPerInvoke <= 0 {
		cfg.PagesPerInvoke = 5
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	c.WithTransport(newHTTPTransport())
	return &Worker{
		sink:          sink,
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Invoke performs one bounded unit of crawl work. Any fetch or sink error is
// returned as-is; the caller treats it as terminal for the submission.
func (w *Worker) Invoke(ctx context.Context, crawlCtx ingest.CrawlContext) (ingest.CrawlContext, error) {
	if crawlCtx.Seen == nil {
		crawlCtx.Seen = make(map[string]bool, len(crawlCtx.Frontier))
		for _, u := range crawlCtx.Frontier {
			crawlCtx.Seen[u] = true
		}
	}

	batch := w.cfg.PagesPerInvoke
	if remaining := crawlCtx.Limit - crawlCtx.Visited; remaining < batch {
		batch = remaining
	}
	for i := 0; i < batch && len(crawlCtx.Frontier) > 0; i++ {
		pageURL := crawlCtx.Frontier[0]
		crawlCtx.Frontier = crawlCtx.Frontier[1:]

		p, err := w.fetchPage(ctx, pageURL)
		if err != nil {
			return crawlCtx, fmt.Errorf("fetch %s: %w", pageURL, err)
		}

		path := fmt.Sprintf("%s/%s/page-%04d.txt",
			crawlCtx.WorkspaceID, crawlCtx.DocumentID, crawlCtx.Visited)
		uri, err := w.sink.Put(ctx, path, "text/plain; charset=utf-8", []byte(renderPage(p)))
		if err != nil {
			return crawlCtx, fmt.Errorf("store %s: %w", pageURL, err)
		}
		crawlCtx.Visited++

		w.logger.Debug("page crawled",
			zap.String("url", pageURL),
			zap.String("content_uri", uri),
			zap.Int("links", len(p.links)),
		)

		if crawlCtx.FollowLinks {
			w.enqueueLinks(&crawlCtx, pageURL, p.links)
		}
	}

	crawlCtx.Done = len(crawlCtx.Frontier) == 0 || crawlCtx.Visited >= crawlCtx.Limit
	return crawlCtx, nil
}

// enqueueLinks appends unseen same-host links to the frontier, capped so the
// seen set never outgrows what the visit limit could consume.
func (w *Worker) enqueueLinks(crawlCtx *ingest.CrawlContext, pageURL string, links []string) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	for _, link := range links {
		if len(crawlCtx.Seen) >= crawlCtx.Limit {
			return
		}
		normalized, ok := normalizeLink(base, link)
		if !ok || crawlCtx.Seen[normalized] {
			continue
		}
		crawlCtx.Seen[normalized] = true
		crawlCtx.Frontier = append(crawlCtx.Frontier, normalized)
	}
}

// normalizeLink resolves link against base and keeps only same-host http(s)
// URLs, stripped of fragments.
func normalizeLink(base *url.URL, link string) (string, bool) {
	u, err := base.Parse(link)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host != base.Host {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// fetchPage executes a single HTTP GET using a cloned collector.
func (w *Worker) fetchPage(ctx context.Context, pageURL string) (page, error) {
	var (
		result   page
		fetchErr error
	)
	collector := w.baseCollector.Clone()
	if w.cfg.UserAgent != "" {
		collector.UserAgent = w.cfg.UserAgent
	}
	collector.SetRequestTimeout(w.cfg.Timeout)

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if result.title == "" {
			result.title = strings.TrimSpace(e.Text)
		}
	})
	collector.OnHTML("body", func(e *colly.HTMLElement) {
		result.text = strings.Join(strings.Fields(e.DOM.Text()), " ")
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
			result.links = append(result.links, link)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result.url = r.Request.URL.String()
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return page{}, err
		}
		if fetchErr != nil {
			return page{}, fetchErr
		}
		return result, nil
	}
}

// renderPage produces the stored plain-text rendition of a page.
func renderPage(p page) string {
	var b strings.Builder
	if p.title != "" {
		b.WriteString(p.title)
		b.WriteString("\n\n")
	}
	b.WriteString(p.text)
	b.WriteString("\n")
	return b.String()
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
