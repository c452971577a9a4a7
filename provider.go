package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"
)

var (
	cachedJSArgs []string
	jsOnce       sync.Once

	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex   = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)
)

// TrackRef is a flat search result: enough to dedup and judge a
// candidate, cheap enough to fetch thirty at a time.
type TrackRef struct {
	ID       string
	Title    string
	Uploader string
	PageURL  string
	Duration int
}

// Track is a fully resolved track with a playable stream URL.
type Track struct {
	ID         string
	Title      string
	Uploader   string
	PageURL    string
	StreamURL  string
	ArtworkURL string
	Duration   int
}

// SearchResult is a lightweight suggestion for command autocomplete.
type SearchResult struct{ Title, ChannelName, URL string }

// TrackProvider resolves queries and video IDs into playable tracks.
type TrackProvider interface {
	Resolve(ctx context.Context, query string) (*Track, error)
	TrackInfo(ctx context.Context, videoID string) (*Track, error)
	SearchSongs(ctx context.Context, query string, max int) ([]TrackRef, error)
	Related(ctx context.Context, videoID, title string, max int) ([]TrackRef, error)
}

// ===========================
// Query Cache
// ===========================

type queryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

// ===========================
// YouTube Provider
// ===========================

// YTProvider talks to YouTube through yt-dlp, with native search
// clients as fallback and a rate limiter in front of the heavier
// extraction calls.
type YTProvider struct {
	limiter *rate.Limiter
	cache   *queryCache
	gcOnce  sync.Once
}

var (
	trackProvider *YTProvider
	onceProvider  sync.Once
)

func GetTrackProvider() *YTProvider {
	onceProvider.Do(func() {
		trackProvider = &YTProvider{
			limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
			cache:   &queryCache{items: make(map[string]cachedItem)},
		}
	})
	gcCtx := AppContext
	if gcCtx == nil {
		gcCtx = context.Background()
	}
	trackProvider.startCacheGC(gcCtx)
	return trackProvider
}

func (p *YTProvider) startCacheGC(ctx context.Context) {
	p.gcOnce.Do(func() {
		safeGo(func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					now := time.Now()
					evicted := 0
					p.cache.Lock()
					for k, item := range p.cache.items {
						if now.After(item.expiresAt) {
							delete(p.cache.items, k)
							evicted++
						}
					}
					p.cache.Unlock()
					if evicted > 0 {
						LogProvider(MsgProviderCacheExpired, evicted)
					}
				}
			}
		})
	})
}

// Resolve turns a user query (URL or free text) into a full track.
func (p *YTProvider) Resolve(ctx context.Context, query string) (*Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty query")
	}

	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		return p.trackInfoURL(ctx, query)
	}

	refs, err := p.SearchSongs(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, errors.New("no results")
	}
	return p.TrackInfo(ctx, refs[0].ID)
}

// TrackInfo fetches full metadata plus a stream URL for a video ID.
func (p *YTProvider) TrackInfo(ctx context.Context, videoID string) (*Track, error) {
	return p.trackInfoURL(ctx, "https://www.youtube.com/watch?v="+videoID)
}

func (p *YTProvider) trackInfoURL(ctx context.Context, u string) (*Track, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s\t%(thumbnail)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		LogProvider("yt-dlp metadata failed: %v, stderr: %s (URL: %s)", err, res.Stderr, u)
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		t := &Track{
			StreamURL: ps[0],
			Title:     ps[1],
			Uploader:  ps[2],
			Duration:  int(d.Seconds()),
			ID:        ps[4],
			PageURL:   "https://www.youtube.com/watch?v=" + ps[4],
		}
		if len(ps) >= 6 && ps[5] != "NA" {
			t.ArtworkURL = ps[5]
		}
		if t.ID == "" || t.ID == "NA" {
			t.ID = extractVideoID(u)
			t.PageURL = u
		}
		return t, nil
	}
	return nil, errors.New("failed to parse metadata")
}

// SearchSongs runs a flat search and returns candidate refs.
func (p *YTProvider) SearchSongs(ctx context.Context, query string, max int) ([]TrackRef, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", max)).
		NoWarnings().
		IgnoreConfig().
		PreferFreeFormats().
		Run(ctx, append(args, fmt.Sprintf("ytsearch%d:%s", max, query))...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]TrackRef, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		rs = append(rs, TrackRef{
			ID:       ps[0],
			Title:    ps[1],
			Uploader: ps[2],
			PageURL:  "https://www.youtube.com/watch?v=" + ps[0],
			Duration: int(d.Seconds()),
		})
	}
	return rs, nil
}

// Related walks YouTube's mix playlists for a seed video, falling back
// to a plain search on the seed's title when the mixes come up empty.
func (p *YTProvider) Related(ctx context.Context, videoID, title string, max int) ([]TrackRef, error) {
	if videoID == "" {
		return nil, errors.New("missing video id")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	type mixResult struct {
		refs []TrackRef
		prio int
	}
	ch := make(chan mixResult, 2)
	safeGo(func() {
		refs, _ := p.extractMixPlaylist(ctx, "https://music.youtube.com/watch?v="+videoID+"&list=RDAMVM"+videoID, max)
		ch <- mixResult{refs, 0}
	})
	safeGo(func() {
		refs, _ := p.extractMixPlaylist(ctx, "https://www.youtube.com/watch?v="+videoID+"&list=RD"+videoID, max)
		ch <- mixResult{refs, 1}
	})

	resList := make([][]TrackRef, 2)
	for range 2 {
		r := <-ch
		resList[r.prio] = r.refs
	}
	refs := append(resList[0], resList[1]...)

	if len(refs) == 0 && title != "" {
		LogProvider("Mix playlists returned 0 results, trying native search fallback for '%s'", title)
		c := ytsearch.NewClient(nil)
		res, err := c.Search(ctx, title)
		if err == nil {
			for _, r := range res.Results {
				if r.VideoID == "" || r.VideoID == videoID {
					continue
				}
				refs = append(refs, TrackRef{
					ID:       r.VideoID,
					Title:    r.Title,
					Uploader: r.Channel,
					PageURL:  "https://www.youtube.com/watch?v=" + r.VideoID,
				})
			}
		}
	}

	// The seed itself is always the first mix entry.
	out := make([]TrackRef, 0, len(refs))
	seen := map[string]bool{videoID: true}
	for _, r := range refs {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (p *YTProvider) extractMixPlaylist(ctx context.Context, u string, max int) ([]TrackRef, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", max+1)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, u, "--yes-playlist")...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]TrackRef, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		ref := TrackRef{
			ID:       ps[0],
			Title:    ps[1],
			Uploader: ps[2],
			PageURL:  "https://www.youtube.com/watch?v=" + ps[0],
		}
		if len(ps) >= 4 {
			d, _ := time.ParseDuration(ps[3] + "s")
			ref.Duration = int(d.Seconds())
		}
		rs = append(rs, ref)
	}
	return rs, nil
}

// Suggest races YouTube Music and plain YouTube search for
// autocomplete suggestions, with a one hour result cache.
func (p *YTProvider) Suggest(q string) ([]SearchResult, error) {
	p.cache.RLock()
	if item, ok := p.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			p.cache.RUnlock()
			return item.results, nil
		}
	}
	p.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: Truncate(v.Title+art, 100)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, q)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: Truncate(v.Title, 100)})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 {
		p.cache.Lock()
		p.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		p.cache.Unlock()
	}

	return fin, nil
}

// ===========================
// yt-dlp Helpers
// ===========================

func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd, func() {}
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func extractVideoID(u string) string {
	id := ""
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if matches := rawIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	} else if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	}

	if id == "" || len(id) > 50 {
		hash := sha256.Sum256([]byte(u))
		return hex.EncodeToString(hash[:16])
	}
	return id
}
