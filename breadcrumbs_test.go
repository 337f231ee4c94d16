package sentry

import (
	"fmt"
	"sync"
	"testing"
)

func TestTrailKeepsMostRecent(t *testing.T) {
	trail := NewBreadcrumbTrail(3)
	for i := 0; i < 5; i++ {
		trail.Push(NewBreadcrumb("test", fmt.Sprintf("crumb %d", i)))
	}

	got := trail.Current()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"crumb 2", "crumb 3", "crumb 4"} {
		if got[i].Message != want {
			t.Errorf("crumb %d = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestTrailZeroMaxIgnoresPush(t *testing.T) {
	trail := NewBreadcrumbTrail(0)
	trail.Push(NewBreadcrumb("test", "x"))
	if trail.Len() != 0 {
		t.Fatalf("len = %d, want 0", trail.Len())
	}
}

func TestSetMaxBreadcrumbsTrims(t *testing.T) {
	trail := NewBreadcrumbTrail(10)
	for i := 0; i < 8; i++ {
		trail.Push(NewBreadcrumb("test", fmt.Sprint(i)))
	}

	trail.SetMaxBreadcrumbs(2)
	got := trail.Current()
	if len(got) != 2 || got[0].Message != "6" || got[1].Message != "7" {
		t.Fatalf("trail = %+v", got)
	}

	trail.SetMaxBreadcrumbs(1000)
	if trail.Max() != maxBreadcrumbs {
		t.Fatalf("max = %d, want %d", trail.Max(), maxBreadcrumbs)
	}
	trail.SetMaxBreadcrumbs(-4)
	if trail.Max() != 0 || trail.Len() != 0 {
		t.Fatalf("max = %d len = %d", trail.Max(), trail.Len())
	}
}

func TestCurrentIsACopy(t *testing.T) {
	trail := NewBreadcrumbTrail(5)
	trail.Push(NewNavigationBreadcrumb("nav", "home", "settings"))

	snapshot := trail.Current()
	snapshot[0].Data["to"] = "changed"
	snapshot[0].Message = "changed"

	again := trail.Current()
	if again[0].Data["to"] != "settings" || again[0].Message != "" {
		t.Fatalf("trail mutated through snapshot: %+v", again[0])
	}
}

func TestPushNilDataBecomesEmpty(t *testing.T) {
	trail := NewBreadcrumbTrail(5)
	trail.Push(Breadcrumb{Type: BreadcrumbDefault, Message: "m"})
	if d := trail.Current()[0].Data; d == nil || len(d) != 0 {
		t.Fatalf("data = %#v", d)
	}
}

func TestHTTPBreadcrumb(t *testing.T) {
	b := NewHTTPBreadcrumb("https://example.com/x", "POST", 404)
	if b.Type != BreadcrumbHTTP || b.Category != "http.post" {
		t.Fatalf("breadcrumb = %+v", b)
	}
	want := map[string]string{
		"url":         "https://example.com/x",
		"method":      "POST",
		"status_code": "404",
		"reason":      "Not Found",
	}
	for k, v := range want {
		if b.Data[k] != v {
			t.Errorf("data[%s] = %q, want %q", k, b.Data[k], v)
		}
	}
}

func TestTrailConcurrentPush(t *testing.T) {
	trail := NewBreadcrumbTrail(50)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				trail.Push(NewBreadcrumb("test", fmt.Sprintf("%d-%d", g, i)))
				_ = trail.Current()
			}
		}()
	}
	wg.Wait()

	if trail.Len() != 50 {
		t.Fatalf("len = %d, want 50", trail.Len())
	}
}
