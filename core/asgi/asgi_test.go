package asgi

import (
	"context"
	"testing"
)

func TestServiceUnavailableEventSequence(t *testing.T) {
	var sent []Event
	send := func(e Event) error {
		sent = append(sent, e)
		return nil
	}
	receive := func() (Event, error) {
		t.Fatal("the canned handler must not read the body")
		return nil, nil
	}

	if err := ServiceUnavailable(context.Background(), &Scope{Type: "http"}, receive, send); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sent) != 2 {
		t.Fatalf("expected start+body, got %d events", len(sent))
	}

	start, ok := sent[0].(ResponseStart)
	if !ok || start.Status != 503 {
		t.Fatalf("expected 503 response start, got %#v", sent[0])
	}
	body, ok := sent[1].(ResponseBody)
	if !ok || string(body.Body) != "Service Unavailable" || body.MoreBody {
		t.Fatalf("expected final 503 body, got %#v", sent[1])
	}
}
