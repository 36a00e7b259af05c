package community

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	hotPageSize  = 10
	maxPosts     = 5
	maxPostBody  = 500
	maxReplies   = 3
	maxReplyBody = 300

	defaultTimeout = 10 * time.Second
	defaultRPM     = 60
)

// ErrInvalidInput is returned when the community name is blank after cleanup.
var ErrInvalidInput = errors.New("invalid community name")

var errNoPosts = errors.New("no posts returned")

// Options configures a Fetcher.
type Options struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	IncludeReplies    bool
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Fetcher pulls hot posts (and optionally top comments) from Reddit's public
// JSON listings. Upstream failures never escape: they degrade to placeholder posts.
type Fetcher struct {
	baseURL        string
	userAgent      string
	timeout        time.Duration
	includeReplies bool
	client         *http.Client
	limiter        *rate.Limiter
	log            *slog.Logger
}

// NewFetcher builds a Fetcher, filling unset options with defaults.
func NewFetcher(opts Options) *Fetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.reddit.com"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "redditchat/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRPM
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		userAgent:      opts.UserAgent,
		timeout:        opts.Timeout,
		includeReplies: opts.IncludeReplies,
		client:         opts.HTTPClient,
		limiter:        rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60), maxPosts+1),
		log:            opts.Logger.With("component", "community"),
	}
}

// FetchContext returns the rendered context block for a community.
func (f *Fetcher) FetchContext(ctx context.Context, name string) (string, error) {
	d, err := f.Fetch(ctx, name)
	if err != nil {
		return "", err
	}
	return d.Render(), nil
}

// Fetch collects up to five hot posts of the community. The only error it
// returns is ErrInvalidInput; every upstream problem yields a placeholder digest.
func (f *Fetcher) Fetch(ctx context.Context, name string) (*Digest, error) {
	name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "r/"))
	if name == "" {
		return nil, ErrInvalidInput
	}

	posts, err := f.hotPosts(ctx, name)
	if err != nil {
		f.log.Warn("reddit fetch failed, using placeholder posts", "community", name, "err", err)
		return placeholderDigest(name), nil
	}

	if f.includeReplies {
		for i := range posts {
			replies, err := f.topReplies(ctx, name, posts[i].ID)
			if err != nil {
				f.log.Debug("reddit replies unavailable", "community", name, "post", posts[i].ID, "err", err)
				continue
			}
			posts[i].Replies = replies
		}
	}
	return &Digest{Community: name, Live: true, Posts: posts}, nil
}

type listing[T any] struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data T      `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Selftext    string `json:"selftext"`
	Author      string `json:"author"`
	Score       int    `json:"score"`
	NumComments int    `json:"num_comments"`
}

type redditComment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Score  int    `json:"score"`
}

func (f *Fetcher) hotPosts(ctx context.Context, name string) ([]Post, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(hotPageSize))
	q.Set("raw_json", "1")
	endpoint := fmt.Sprintf("%s/r/%s/hot.json?%s", f.baseURL, url.PathEscape(name), q.Encode())

	var page listing[redditPost]
	if err := f.getJSON(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	if len(page.Data.Children) == 0 {
		return nil, errNoPosts
	}

	posts := make([]Post, 0, maxPosts)
	for _, child := range page.Data.Children {
		if len(posts) == maxPosts {
			break
		}
		p := child.Data
		posts = append(posts, Post{
			ID:         p.ID,
			Title:      strings.TrimSpace(p.Title),
			Author:     p.Author,
			Score:      p.Score,
			ReplyCount: p.NumComments,
			Body:       truncate(strings.TrimSpace(p.Selftext), maxPostBody),
		})
	}
	return posts, nil
}

func (f *Fetcher) topReplies(ctx context.Context, name, postID string) ([]Reply, error) {
	if postID == "" {
		return nil, errors.New("post id missing")
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprint(maxReplies))
	q.Set("sort", "top")
	q.Set("depth", "1")
	q.Set("raw_json", "1")
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s.json?%s", f.baseURL, url.PathEscape(name), url.PathEscape(postID), q.Encode())

	var pages []json.RawMessage
	if err := f.getJSON(ctx, endpoint, &pages); err != nil {
		return nil, err
	}
	if len(pages) < 2 {
		return nil, errors.New("comment listing missing")
	}
	var comments listing[redditComment]
	if err := json.Unmarshal(pages[1], &comments); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}

	replies := make([]Reply, 0, maxReplies)
	for _, child := range comments.Data.Children {
		if len(replies) == maxReplies {
			break
		}
		if child.Kind != "t1" {
			continue
		}
		c := child.Data
		replies = append(replies, Reply{
			Author: c.Author,
			Score:  c.Score,
			Body:   truncate(strings.TrimSpace(c.Body), maxReplyBody),
		})
	}
	return replies, nil
}

func (f *Fetcher) getJSON(ctx context.Context, endpoint string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("reddit returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
