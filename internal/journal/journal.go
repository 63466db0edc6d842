// Package journal keeps the most recent relayed exchanges in memory so tests
// can assert on what was sent upstream.
package journal

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const DefaultCapacity = 1000

type Exchange struct {
	ID             uuid.UUID     `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Method         string        `json:"method"`
	URL            string        `json:"url"`
	TargetID       int           `json:"targetId"`
	RequestHeader  http.Header   `json:"requestHeaders,omitempty"`
	RequestBody    string        `json:"requestBody,omitempty"`
	Status         int           `json:"status,omitempty"`
	ResponseHeader http.Header   `json:"responseHeaders,omitempty"`
	ResponseBody   string        `json:"responseBody,omitempty"`
	Duration       time.Duration `json:"durationNanos"`
	Error          string        `json:"error,omitempty"`
}

// Filter selects exchanges. Zero fields match everything. BodyPath is a
// gjson path evaluated against the request body; with BodyEquals empty the
// path only has to exist.
type Filter struct {
	Method     string
	PathPrefix string
	BodyPath   string
	BodyEquals string
}

func (f Filter) Match(e Exchange) bool {
	if f.Method != "" && !strings.EqualFold(f.Method, e.Method) {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(exchangePath(e.URL), f.PathPrefix) {
		return false
	}
	if f.BodyPath != "" {
		result := gjson.Get(e.RequestBody, f.BodyPath)
		if !result.Exists() {
			return false
		}
		if f.BodyEquals != "" && result.String() != f.BodyEquals {
			return false
		}
	}
	return true
}

// Journal is a fixed-size ring. Once full, recording evicts the oldest
// exchange.
type Journal struct {
	mu      sync.RWMutex
	entries []Exchange
	next    int
	count   int
}

func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{entries: make([]Exchange, capacity)}
}

// Record stores e, assigning an ID and timestamp when they are unset, and
// returns the stored copy.
func (j *Journal) Record(e Exchange) Exchange {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e = cloneExchange(e)

	j.mu.Lock()
	j.entries[j.next] = e
	j.next = (j.next + 1) % len(j.entries)
	if j.count < len(j.entries) {
		j.count++
	}
	j.mu.Unlock()

	return cloneExchange(e)
}

// List returns matching exchanges, newest first.
func (j *Journal) List(filter Filter) []Exchange {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Exchange, 0, j.count)
	for i := 0; i < j.count; i++ {
		e := j.entries[j.indexFromNewest(i)]
		if filter.Match(e) {
			out = append(out, cloneExchange(e))
		}
	}
	return out
}

func (j *Journal) Get(id uuid.UUID) (Exchange, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i := 0; i < j.count; i++ {
		e := j.entries[j.indexFromNewest(i)]
		if e.ID == id {
			return cloneExchange(e), true
		}
	}
	return Exchange{}, false
}

func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range j.entries {
		j.entries[i] = Exchange{}
	}
	j.next = 0
	j.count = 0
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.count
}

func (j *Journal) Capacity() int {
	return len(j.entries)
}

func (j *Journal) indexFromNewest(offset int) int {
	size := len(j.entries)
	return ((j.next-1-offset)%size + size) % size
}

func cloneExchange(e Exchange) Exchange {
	e.RequestHeader = e.RequestHeader.Clone()
	e.ResponseHeader = e.ResponseHeader.Clone()
	return e
}

func exchangePath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}
