package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/popraf/librarynet/internal/obs"
	"go.uber.org/zap"
)

var (
	// ErrNoAvailability is returned when no partner library stocks the ISBN.
	// Transport faults on the availability lookup degrade to this error; the
	// caller always gets a typed outcome, never a raw network fault.
	ErrNoAvailability = errors.New("no partner library has the book available")

	// ErrReserveFailed is returned when the partner declines or the
	// reservation call cannot complete
	ErrReserveFailed = errors.New("partner reservation failed")
)

const (
	defaultMaxRetries = 3
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 2 * time.Second
	jitterFrac        = 0.2
)

// Config is the injected client configuration; no process-wide state
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// PartnerStock is one partner library's holding of an ISBN
type PartnerStock struct {
	PartnerID string
	Library   string
	Count     uint
}

// Confirmation identifies a successful partner-side reservation
type Confirmation struct {
	ConfirmationID string
	Library        string
}

// AvailabilityClient talks to the partner availability service over HTTP.
// It is shared across request goroutines and holds no per-call state.
type AvailabilityClient struct {
	baseURL    string
	maxRetries int
	http       *http.Client
	log        *zap.Logger
	metrics    *obs.Metrics
}

// NewAvailabilityClient creates a partner availability client
func NewAvailabilityClient(cfg Config, metrics *obs.Metrics, log *zap.Logger) *AvailabilityClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &AvailabilityClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: retries,
		http:       &http.Client{Timeout: timeout},
		log:        log,
		metrics:    metrics,
	}
}

type stockEntry struct {
	Library        string `json:"library"`
	CountInLibrary uint   `json:"count_in_library"`
}

// CheckAvailability queries every partner library stocking the ISBN with at
// least one copy. The GET is idempotent, so it is retried with exponential
// backoff; after the attempts are spent any fault degrades to
// ErrNoAvailability. Entries come back in ascending numeric partner-id
// order, which stands in for the partner's returned ordering (see DESIGN.md).
func (c *AvailabilityClient) CheckAvailability(ctx context.Context, isbn string) ([]PartnerStock, error) {
	url := fmt.Sprintf("%s/books/%s/availability", c.baseURL, isbn)

	var entries map[string]stockEntry
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ErrNoAvailability
			case <-time.After(c.jitter(backoff)):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		entries, lastErr = c.fetchAvailability(ctx, url)
		if lastErr == nil {
			break
		}
		c.log.Warn("Availability check failed, retrying",
			zap.String("isbn", isbn),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	if lastErr != nil {
		c.observe("availability", "fail")
		c.log.Warn("Availability check exhausted retries, treating as unavailable",
			zap.String("isbn", isbn),
			zap.Error(lastErr),
		)
		return nil, ErrNoAvailability
	}
	c.observe("availability", "success")

	stocks := make([]PartnerStock, 0, len(entries))
	for id, entry := range entries {
		if entry.CountInLibrary < 1 {
			continue
		}
		stocks = append(stocks, PartnerStock{
			PartnerID: id,
			Library:   entry.Library,
			Count:     entry.CountInLibrary,
		})
	}
	if len(stocks) == 0 {
		return nil, ErrNoAvailability
	}

	sort.Slice(stocks, func(i, j int) bool {
		return lessPartnerID(stocks[i].PartnerID, stocks[j].PartnerID)
	})
	return stocks, nil
}

// lessPartnerID orders partner ids numerically so "9" sorts before "10",
// matching the partner's own returned ordering. Non-numeric ids fall back to
// a lexicographic comparison.
func lessPartnerID(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func (c *AvailabilityClient) fetchAvailability(ctx context.Context, url string) (map[string]stockEntry, error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.PartnerCallLatency.WithLabelValues("availability").Observe(time.Since(start).Seconds())
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var entries map[string]stockEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return nil, fmt.Errorf("malformed availability payload: %w", err)
		}
		return entries, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		// The partner answers 404/400 when no library stocks the ISBN
		return map[string]stockEntry{}, nil
	default:
		return nil, fmt.Errorf("availability endpoint returned status %d", resp.StatusCode)
	}
}

type reserveRequest struct {
	BookID string `json:"book_id"`
}

type reserveResponse struct {
	Status         string `json:"status"`
	ConfirmationID string `json:"confirmation_id"`
	Library        string `json:"library"`
	Message        string `json:"message"`
	Error          string `json:"error"`
}

// ReserveExternal asks the partner to take one copy at the given library,
// forwarding the caller's bearer token. The POST is not idempotent and is
// never retried: a retry after an ambiguous failure could decrement the
// partner's counter twice.
func (c *AvailabilityClient) ReserveExternal(ctx context.Context, partnerID, token string) (*Confirmation, error) {
	url := fmt.Sprintf("%s/book_reserved_external/%s", c.baseURL, partnerID)

	var out reserveResponse
	code, err := c.postJSON(ctx, "reserve", url, token, reserveRequest{BookID: partnerID}, &out)
	if err != nil {
		c.observe("reserve", "fail")
		return nil, fmt.Errorf("%w: %v", ErrReserveFailed, err)
	}

	if code != http.StatusOK || out.Status != "reserved" {
		c.observe("reserve", "fail")
		c.log.Warn("Partner declined reservation",
			zap.String("partner_id", partnerID),
			zap.Int("status", code),
			zap.String("detail", out.Error),
		)
		return nil, fmt.Errorf("%w: partner returned status %d", ErrReserveFailed, code)
	}

	c.observe("reserve", "success")
	c.log.Info("Book reserved at partner library",
		zap.String("partner_id", partnerID),
		zap.String("confirmation_id", out.ConfirmationID),
		zap.String("library", out.Library),
	)
	return &Confirmation{ConfirmationID: out.ConfirmationID, Library: out.Library}, nil
}

type releaseRequest struct {
	ConfirmationID string `json:"confirmation_id"`
}

type releaseResponse struct {
	Status string `json:"status"`
}

// ReleaseExternal gives back a copy previously reserved at the partner. It
// compensates a reservation whose local persistence failed; the caller
// treats errors as best-effort.
func (c *AvailabilityClient) ReleaseExternal(ctx context.Context, partnerID, confirmationID, token string) error {
	url := fmt.Sprintf("%s/books/%s/release", c.baseURL, partnerID)

	var out releaseResponse
	code, err := c.postJSON(ctx, "release", url, token, releaseRequest{ConfirmationID: confirmationID}, &out)
	if err != nil {
		c.observe("release", "fail")
		return err
	}
	if code != http.StatusOK || out.Status != "released" {
		c.observe("release", "fail")
		return fmt.Errorf("release endpoint returned status %d", code)
	}

	c.observe("release", "success")
	return nil
}

func (c *AvailabilityClient) postJSON(ctx context.Context, op, url, token string, body, out any) (int, error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.PartnerCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}()

	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if out != nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, out) // tolerate non-JSON error bodies
	}
	return resp.StatusCode, nil
}

// jitter spreads the backoff; the top-level rand source is safe for
// concurrent callers
func (c *AvailabilityClient) jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * jitterFrac * (rand.Float64()*2 - 1))
	return d + delta
}

func (c *AvailabilityClient) observe(op, result string) {
	if c.metrics != nil {
		c.metrics.PartnerCallsTotal.WithLabelValues(op, result).Inc()
	}
}
