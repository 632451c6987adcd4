// Package scraper finds PDF documents linked from web pages and downloads
// them for ingestion.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/docchat/internal/models"
	"golang.org/x/time/rate"
)

type ScraperConfig struct {
	BaseURL        string
	MaxDepth       int
	RateLimit      float64 // requests per second
	IgnorePatterns []string
	Timeout        time.Duration
	MaxFileBytes   int64
	MaxDocuments   int
	OnProgress     func(url string)
}

// Scraper crawls same-host HTML pages and collects the PDFs they link to.
// A Scraper is used for one crawl at a time.
type Scraper struct {
	config   ScraperConfig
	client   *http.Client
	visited  map[string]bool
	seenPDF  map[string]bool
	limiter  *rate.Limiter
	baseHost string
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 1
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if config.MaxFileBytes == 0 {
		config.MaxFileBytes = 10 << 20
	}
	if config.MaxDocuments == 0 {
		config.MaxDocuments = 20
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", parsedURL.Scheme)
	}

	return &Scraper{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		visited:  make(map[string]bool),
		seenPDF:  make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseHost: parsedURL.Host,
	}, nil
}

// IsPDFURL reports whether the URL path names a PDF file.
func IsPDFURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

func (s *Scraper) shouldCrawl(urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	// Check if URL is from the same host
	if parsedURL.Host != s.baseHost {
		return false
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}

	return true
}

// Collect returns the PDFs reachable from BaseURL. A BaseURL that is itself
// a PDF is downloaded directly. Pages that fail to load are logged and
// skipped; a PDF that fails to download is an error.
func (s *Scraper) Collect(ctx context.Context) ([]models.Upload, error) {
	var links []string
	if IsPDFURL(s.config.BaseURL) {
		links = []string{s.config.BaseURL}
	} else {
		if err := s.crawl(ctx, s.config.BaseURL, 0, &links); err != nil {
			return nil, err
		}
	}

	uploads := make([]models.Upload, 0, len(links))
	for _, link := range links {
		upload, err := s.download(ctx, link)
		if err != nil {
			return uploads, err
		}
		uploads = append(uploads, upload)
	}
	return uploads, nil
}

func (s *Scraper) crawl(ctx context.Context, urlStr string, depth int, links *[]string) error {
	if depth > s.config.MaxDepth || s.visited[urlStr] || len(*links) >= s.config.MaxDocuments {
		return nil
	}
	if !s.shouldCrawl(urlStr) {
		return nil
	}

	s.visited[urlStr] = true
	if s.config.OnProgress != nil {
		s.config.OnProgress(urlStr)
	}

	doc, err := s.fetchPage(ctx, urlStr)
	if err != nil {
		if depth == 0 {
			return err
		}
		log.Printf("Error scraping URL: %v", err)
		return nil
	}

	var pages []string
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")

		absoluteURL, err := resolve(urlStr, href)
		if err != nil {
			log.Printf("Error parsing URL: %v", err)
			return
		}
		if !s.shouldCrawl(absoluteURL) {
			return
		}

		if IsPDFURL(absoluteURL) {
			if !s.seenPDF[absoluteURL] && len(*links) < s.config.MaxDocuments {
				s.seenPDF[absoluteURL] = true
				*links = append(*links, absoluteURL)
			}
			return
		}
		pages = append(pages, absoluteURL)
	})

	for _, page := range pages {
		if err := s.crawl(ctx, page, depth+1, links); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Scraper) fetchPage(ctx context.Context, urlStr string) (*goquery.Document, error) {
	resp, err := s.get(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("skipping non-HTML content %q at %s", ct, urlStr)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

func (s *Scraper) download(ctx context.Context, urlStr string) (models.Upload, error) {
	resp, err := s.get(ctx, urlStr)
	if err != nil {
		return models.Upload{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxFileBytes+1))
	if err != nil {
		return models.Upload{}, fmt.Errorf("failed to download %s: %v", urlStr, err)
	}
	if int64(len(data)) > s.config.MaxFileBytes {
		return models.Upload{}, fmt.Errorf("%s exceeds %d bytes", urlStr, s.config.MaxFileBytes)
	}

	u, _ := url.Parse(urlStr)
	return models.Upload{
		FileName:    path.Base(u.Path),
		ContentType: "application/pdf",
		Data:        data,
	}, nil
}

func (s *Scraper) get(ctx context.Context, urlStr string) (*http.Response, error) {
	// Apply rate limiting
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, urlStr)
	}
	return resp, nil
}

func resolve(base, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	if !ref.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		ref = b.ResolveReference(ref)
	}
	ref.Fragment = ""
	return ref.String(), nil
}
