package sentry

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BreadcrumbType classifies a breadcrumb
type BreadcrumbType string

const (
	BreadcrumbDefault    BreadcrumbType = "default"
	BreadcrumbHTTP       BreadcrumbType = "http"
	BreadcrumbNavigation BreadcrumbType = "navigation"
)

// Breadcrumb is one entry of the trail of activity preceding an event
type Breadcrumb struct {
	// Timestamp in epoch seconds
	Timestamp int64             `json:"timestamp"`
	Type      BreadcrumbType    `json:"type"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Level     Level             `json:"level"`
	Data      map[string]string `json:"data"`
}

// NewBreadcrumb creates a default breadcrumb stamped with the current time
func NewBreadcrumb(category, message string) Breadcrumb {
	return Breadcrumb{
		Timestamp: time.Now().Unix(),
		Type:      BreadcrumbDefault,
		Message:   message,
		Category:  category,
		Level:     LevelInfo,
		Data:      map[string]string{},
	}
}

// NewNavigationBreadcrumb records a move between two application states
func NewNavigationBreadcrumb(category, from, to string) Breadcrumb {
	b := NewBreadcrumb(category, "")
	b.Type = BreadcrumbNavigation
	b.Data["from"] = from
	b.Data["to"] = to
	return b
}

// NewHTTPBreadcrumb records an outgoing HTTP request made by the application
func NewHTTPBreadcrumb(url, method string, statusCode int) Breadcrumb {
	b := NewBreadcrumb("http."+strings.ToLower(method), "")
	b.Type = BreadcrumbHTTP
	b.Data["url"] = url
	b.Data["method"] = method
	b.Data["status_code"] = strconv.Itoa(statusCode)
	b.Data["reason"] = http.StatusText(statusCode)
	return b
}

// BreadcrumbTrail is a bounded list of the most recent breadcrumbs
type BreadcrumbTrail struct {
	mu     sync.RWMutex
	crumbs []Breadcrumb
	max    int
}

// NewBreadcrumbTrail creates a trail holding at most max entries (clamped to [0, 200])
func NewBreadcrumbTrail(max int) *BreadcrumbTrail {
	max = clampBreadcrumbs(max)
	return &BreadcrumbTrail{
		crumbs: make([]Breadcrumb, 0, max),
		max:    max,
	}
}

// Push appends b, evicting the oldest entries to stay within the bound
func (t *BreadcrumbTrail) Push(b Breadcrumb) {
	b.Data = copyStrings(b.Data)
	if b.Data == nil {
		b.Data = map[string]string{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.max == 0 {
		return
	}
	t.evict(t.max - 1)
	t.crumbs = append(t.crumbs, b)
}

// Current returns a copy of the trail, oldest first
func (t *BreadcrumbTrail) Current() []Breadcrumb {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Breadcrumb, len(t.crumbs))
	for i, b := range t.crumbs {
		b.Data = copyStrings(b.Data)
		out[i] = b
	}
	return out
}

// SetMaxBreadcrumbs changes the bound (clamped to [0, 200]) and trims
// the trail right away.
func (t *BreadcrumbTrail) SetMaxBreadcrumbs(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.max = clampBreadcrumbs(n)
	t.evict(t.max)
}

// Max returns the current bound
func (t *BreadcrumbTrail) Max() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.max
}

func (t *BreadcrumbTrail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.crumbs)
}

// evict drops the oldest entries until at most keep remain. Callers hold the write lock.
func (t *BreadcrumbTrail) evict(keep int) {
	drop := len(t.crumbs) - keep
	if drop <= 0 {
		return
	}
	n := copy(t.crumbs, t.crumbs[drop:])
	for i := n; i < len(t.crumbs); i++ {
		t.crumbs[i] = Breadcrumb{}
	}
	t.crumbs = t.crumbs[:n]
}
