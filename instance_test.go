package sentry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestDefaultClient(t *testing.T) {
	// no-ops before Init
	CaptureMessage("dropped", LevelInfo)
	AddBreadcrumb("x", "y")
	if Flush() != 0 {
		t.Fatal("Flush without a client")
	}

	sender := &recordingSender{}
	cfg := newTestConfig(t)
	c, err := Init(context.Background(), cfg, WithSender(sender), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Shutdown(context.Background()) })

	if CurrentClient() != c {
		t.Fatal("CurrentClient is not the initialized client")
	}

	AddBreadcrumb("nav", "start")
	CaptureException(errors.New("package level"))
	eventually(t, "the event to be sent", func() bool { return sender.count() == 1 })

	body := requestBody(t, sender.requests[0])
	culprit, _ := body["culprit"].(string)
	if culprit == "" || culprit == "package level" {
		t.Fatalf("culprit = %q", culprit)
	}

	// re-initializing on the same store file closes the previous client first
	again, err := Init(context.Background(), cfg, WithSender(sender), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if CurrentClient() != again {
		t.Fatal("client not replaced")
	}

	if err := Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if CurrentClient() != nil {
		t.Fatal("client still set after Shutdown")
	}
}
