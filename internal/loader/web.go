package loader

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

// Renderer executes JavaScript and returns the rendered DOM for pages the
// plain fetch cannot read.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// WebConfig controls the web loader's collector.
type WebConfig struct {
	UserAgent string
	Timeout   time.Duration
	// PromoteThreshold is the body size below which script-heavy pages are
	// retried through the renderer.
	PromoteThreshold int
}

// WebLoader fetches a page with Colly, promotes script-heavy or empty pages
// to a headless renderer when one is configured, and extracts readable text.
type WebLoader struct {
	cfg           WebConfig
	baseCollector *colly.Collector
	renderer      Renderer
	logger        *zap.Logger
}

// NewWebLoader builds a WebLoader. renderer may be nil; promotion is skipped
// without one.
func NewWebLoader(cfg WebConfig, renderer Renderer, logger *zap.Logger) *WebLoader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PromoteThreshold <= 0 {
		cfg.PromoteThreshold = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &WebLoader{
		cfg:           cfg,
		baseCollector: c,
		renderer:      renderer,
		logger:        logger,
	}
}

// Load implements Loader.
func (l *WebLoader) Load(ctx context.Context, src ingest.Source) ([]Document, error) {
	body, err := l.fetch(ctx, src.Path)
	if err != nil {
		return nil, err
	}

	if l.renderer != nil && l.shouldPromote(body) {
		l.logger.Debug("promoting page to headless renderer", zap.String("url", src.Path))
		rendered, rerr := l.renderer.Render(ctx, src.Path)
		if rerr != nil {
			l.logger.Warn("headless render failed, using plain fetch", zap.String("url", src.Path), zap.Error(rerr))
		} else {
			body = rendered
		}
	}

	title, text, err := extractText(body)
	if err != nil {
		return nil, fmt.Errorf("extract text from %s: %w", src.Path, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("page %s has no readable text", src.Path)
	}
	return []Document{{
		Content: text,
		Metadata: map[string]string{
			"url":   src.Path,
			"title": title,
		},
	}}, nil
}

func (l *WebLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	collector := l.baseCollector.Clone()
	if l.cfg.UserAgent != "" {
		collector.UserAgent = l.cfg.UserAgent
	}
	collector.SetRequestTimeout(l.cfg.Timeout)

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
	}
	return body, nil
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// shouldPromote applies rule-based promotion: empty bodies, SPA shells, and
// short script-dominated pages go through the renderer.
func (l *WebLoader) shouldPromote(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if len(body) < l.cfg.PromoteThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		relEnd := strings.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	if coverage == 0 {
		return false
	}
	return coverage*100/total >= 25
}

// extractText strips script/style/nav chrome and returns the page title plus
// whitespace-normalized body text.
func extractText(body []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, footer, header").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	return title, normalizeWhitespace(root.Text()), nil
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	lastBlank := true
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !lastBlank {
				b.WriteString("\n")
			}
			lastBlank = true
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
		lastBlank = false
	}
	return strings.TrimSpace(b.String())
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
