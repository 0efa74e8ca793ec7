package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluiziolira/go-harvest-news/config"
	"github.com/aluiziolira/go-harvest-news/metrics"
	"github.com/aluiziolira/go-harvest-news/models"
	"github.com/aluiziolira/go-harvest-news/parser"
	"github.com/aluiziolira/go-harvest-news/portal"
	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// request phases, used to route colly callbacks and label metrics
const (
	phaseSignin   = "signin"
	phaseSearch   = "search"
	phaseDelivery = "delivery"
	phaseJobs     = "jobs"
	phaseArtifact = "artifact"
)

const artifactCacheSize = 4096

// job is one entry of the portal's delivery job list.
type job struct {
	key     string
	status  string
	message string
	link    string
}

// Session drives the portal's search and delivery pages over plain HTTP.
// It implements portal.Session and is not safe for concurrent use.
type Session struct {
	cfg       *config.Config
	base      *url.URL
	collector *colly.Collector
	limiter   *rate.Limiter
	settled   *lru.Cache[string, struct{}]
	metrics   *metrics.Metrics
	log       *slog.Logger

	query    string
	language string
	day      models.Date
	filtered bool
	count    int
	pending  bool

	// scratch written by collector callbacks during a single request
	lastStatus int
	countSeen  bool
	jobs       []job
	saved      string
	saveErr    error
}

var _ portal.Session = (*Session)(nil)

// NewSession builds a session against cfg.BaseURL that saves delivered
// artifacts into cfg.StagingDir.
func NewSession(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*Session, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.RequestTimeout)
	collector.MaxBodySize = 0
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	settled, err := lru.New[string, struct{}](artifactCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create artifact cache: %w", err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		cfg:       cfg,
		base:      parsed,
		collector: collector,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		settled:   settled,
		metrics:   m,
		log:       log.With(slog.String("component", "scraper")),
	}
	s.configureHandlers()
	return s, nil
}

// Authenticate signs in when credentials are configured. Without them the
// portal is expected to grant access by network (institutional IP ranges).
func (s *Session) Authenticate(ctx context.Context) error {
	if s.cfg.Username == "" {
		s.log.Debug("no credentials configured, relying on network access")
		return nil
	}
	form := url.Values{}
	form.Set("username", s.cfg.Username)
	form.Set("password", s.cfg.Password)
	if err := s.post(ctx, phaseSignin, s.endpoint("signin"), form); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	s.log.Info("signed in", slog.String("user", s.cfg.Username))
	return nil
}

// ApplyQuery sets the opaque search query used by every later search.
func (s *Session) ApplyQuery(ctx context.Context, query string) error {
	if strings.TrimSpace(query) == "" {
		return errors.New("search query cannot be empty")
	}
	s.query = query
	s.filtered = false
	return s.search(ctx)
}

// ApplyLanguageFilter restricts every later search to lang.
func (s *Session) ApplyLanguageFilter(ctx context.Context, lang string) error {
	s.language = lang
	s.filtered = false
	return s.search(ctx)
}

// ApplyDateFilter narrows the search to a single publication day and
// records its result count.
func (s *Session) ApplyDateFilter(ctx context.Context, day models.Date) error {
	if s.query == "" {
		return errors.New("date filter applied before query")
	}
	s.day = day
	s.filtered = false
	if err := s.search(ctx); err != nil {
		return fmt.Errorf("filter %s: %w", day, err)
	}
	s.filtered = true
	return nil
}

// CountResults returns the result count of the last date-filtered search.
func (s *Session) CountResults(ctx context.Context) (int, error) {
	if !s.filtered {
		return 0, errors.New("count requested before a date filter was applied")
	}
	return s.count, nil
}

// RequestBatchDownload asks the portal to prepare documents b.Start..b.End
// of the current search as separate Word files.
func (s *Session) RequestBatchDownload(ctx context.Context, b models.BatchSpec) error {
	if !s.filtered {
		return errors.New("download requested before a date filter was applied")
	}
	form := s.searchParams()
	form.Set("SelectedRange", b.String())
	form.Set("DeliveryType", "DocumentsOnly")
	form.Set("Format", "Docx")
	form.Set("Separate", "true")
	if err := s.post(ctx, phaseDelivery, s.endpoint("delivery"), form); err != nil {
		return fmt.Errorf("request delivery %s: %w", b, err)
	}
	s.pending = true
	s.log.Debug("delivery requested", slog.String("date", s.day.String()), slog.String("batch", b.String()))
	return nil
}

// AwaitDownloadReady polls the delivery job list until a new job succeeds,
// then saves its artifact into the staging directory. Polls are paced by
// the session's rate limiter.
func (s *Session) AwaitDownloadReady(ctx context.Context, timeout time.Duration) error {
	if !s.pending {
		return errors.New("no delivery pending")
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	polls := 0
	for {
		if err := s.limiter.Wait(waitCtx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return portal.ErrTimeout{Err: fmt.Errorf("delivery not ready after %s (%d polls)", timeout, polls)}
		}
		polls++

		s.jobs = s.jobs[:0]
		if err := s.get(ctx, phaseJobs, s.endpoint("delivery/jobs")); err != nil {
			if !portal.IsRetryable(err) {
				return err
			}
			s.log.Debug("poll failed", slog.Int("poll", polls), slog.Any("error", err))
			continue
		}

		ready, err := s.settleJobs(ctx)
		if err != nil {
			return err
		}
		if ready {
			s.pending = false
			return nil
		}
	}
}

// settleJobs inspects the last polled job list. Jobs that were already
// settled by an earlier batch are ignored.
func (s *Session) settleJobs(ctx context.Context) (bool, error) {
	var fresh []job
	for _, j := range s.jobs {
		if s.settled.Contains(j.key) {
			continue
		}
		switch j.status {
		case "error":
			s.settled.Add(j.key, struct{}{})
			return false, portal.ErrDelivery{Err: fmt.Errorf("job %s: %s", j.key, j.message)}
		case "success":
			if j.link != "" {
				fresh = append(fresh, j)
			}
		default:
			return false, nil
		}
	}
	if len(fresh) == 0 {
		return false, nil
	}

	for _, j := range fresh {
		path, err := s.download(ctx, j.link)
		if err != nil {
			return false, fmt.Errorf("download artifact: %w", err)
		}
		s.settled.Add(j.key, struct{}{})
		s.log.Debug("artifact saved", slog.String("file", filepath.Base(path)))
	}
	return true, nil
}

func (s *Session) download(ctx context.Context, link string) (string, error) {
	if err := os.MkdirAll(s.cfg.StagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	s.saved, s.saveErr = "", nil
	if err := s.get(ctx, phaseArtifact, link); err != nil {
		return "", err
	}
	if s.saveErr != nil {
		return "", s.saveErr
	}
	return s.saved, nil
}

func (s *Session) search(ctx context.Context) error {
	u := *s.base
	u.Path += "/search"
	u.RawQuery = s.searchParams().Encode()
	s.count, s.countSeen = 0, false
	if err := s.get(ctx, phaseSearch, u.String()); err != nil {
		return err
	}
	if !s.countSeen {
		s.log.Warn("result count missing from search page", slog.String("url", u.String()))
	}
	return nil
}

func (s *Session) searchParams() url.Values {
	v := url.Values{}
	v.Set("pdsearchterms", s.query)
	if s.language != "" {
		v.Set("language", s.language)
	}
	if !s.day.IsZero() {
		filter := parser.FormatFilterDate(s.day)
		v.Set("mindate", filter)
		v.Set("maxdate", filter)
	}
	return v
}

func (s *Session) endpoint(path string) string {
	u := *s.base
	u.Path += "/" + path
	u.RawQuery = ""
	return u.String()
}

func (s *Session) get(ctx context.Context, phase, target string) error {
	return s.do(ctx, phase, http.MethodGet, target, nil)
}

func (s *Session) post(ctx context.Context, phase, target string, form url.Values) error {
	return s.do(ctx, phase, http.MethodPost, target, form)
}

func (s *Session) do(ctx context.Context, phase, method, target string, form url.Values) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rctx := colly.NewContext()
	rctx.Put("phase", phase)

	var hdr http.Header
	var body io.Reader
	if form != nil {
		hdr = http.Header{}
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
		body = strings.NewReader(form.Encode())
	}

	s.lastStatus = 0
	if err := s.collector.Request(method, target, body, rctx, hdr); err != nil {
		return classifyError(err, s.lastStatus)
	}
	return nil
}

func (s *Session) configureHandlers() {
	s.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		s.metrics.IncRequest(r.Ctx.Get("phase"))
	})

	s.collector.OnResponse(func(r *colly.Response) {
		s.lastStatus = r.StatusCode
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			s.metrics.ObserveRequest(time.Since(start))
		}
		if r.Ctx.Get("phase") == phaseArtifact {
			s.saved, s.saveErr = s.saveArtifact(r)
		}
	})

	s.collector.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		target := ""
		if r != nil {
			statusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				target = r.Request.URL.String()
			}
		}
		s.lastStatus = statusCode
		category := portal.ErrorTypeLabel(classifyError(err, statusCode))
		s.metrics.IncError(category)
		s.log.Error("request error",
			slog.String("url", target),
			slog.Int("status", statusCode),
			slog.String("category", category),
			slog.Any("error", err),
		)
	})

	s.collector.OnHTML("ul.content-switcher li[data-actualresultscount]", func(e *colly.HTMLElement) {
		if s.countSeen {
			return
		}
		s.countSeen = true
		s.count = parser.ParseResultCount(e.Attr("data-actualresultscount"))
	})

	s.collector.OnHTML("ul#delivery-jobs li", func(e *colly.HTMLElement) {
		if e.Request.Ctx.Get("phase") != phaseJobs {
			return
		}
		s.jobs = append(s.jobs, extractJob(e))
	})
}

func extractJob(e *colly.HTMLElement) job {
	j := job{
		key:     strings.TrimSpace(e.Attr("data-job-id")),
		message: strings.TrimSpace(e.ChildText("span.status-message")),
	}
	if href := e.ChildAttr("a.download", "href"); href != "" {
		j.link = e.Request.AbsoluteURL(href)
	}
	switch class := e.ChildAttr("span.status-message", "class"); {
	case strings.Contains(class, "error"):
		j.status = "error"
	case strings.Contains(class, "success"):
		j.status = "success"
	default:
		j.status = "pending"
	}
	if j.key == "" {
		j.key = j.link
	}
	if j.key == "" {
		j.key = j.message
	}
	return j
}

// saveArtifact writes the body next to its final name first so a half
// written file never looks like a finished download.
func (s *Session) saveArtifact(r *colly.Response) (string, error) {
	name := artifactName(r)
	final := uniquePath(filepath.Join(s.cfg.StagingDir, name))
	tmp := final + ".part"
	if err := r.Save(tmp); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return final, nil
}

func artifactName(r *colly.Response) string {
	if r.Headers != nil {
		if cd := r.Headers.Get("Content-Disposition"); cd != "" {
			if _, params, err := mime.ParseMediaType(cd); err == nil {
				if name := filepath.Base(params["filename"]); name != "." && name != "/" && name != "" {
					return name
				}
			}
		}
	}
	return r.FileName()
}

func uniquePath(path string) string {
	if _, err := os.Lstat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Lstat(candidate); err != nil {
			return candidate
		}
	}
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return portal.ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return portal.ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return portal.ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return portal.ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return portal.ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return portal.ErrRateLimited{Err: wrapped}
		}
	}

	return err
}
