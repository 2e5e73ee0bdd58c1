package marathon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/praekeltfoundation/marathon-acme/errors"
	"github.com/praekeltfoundation/marathon-acme/log"
	"github.com/praekeltfoundation/marathon-acme/test"
)

func TestParseDomainLabel(t *testing.T) {
	testCases := []struct {
		label   string
		domains []string
	}{
		{"example.com", []string{"example.com"}},
		{" ", nil},
		{"", nil},
		{"example.com,example2.com", []string{"example.com", "example2.com"}},
		{" example.com, example2.com ", []string{"example.com", "example2.com"}},
		{"a, b ,, c", []string{"a", "b", "c"}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%q", tc.label), func(t *testing.T) {
			test.AssertDeepEquals(t, ParseDomainLabel(tc.label), tc.domains)
		})
	}
}

func TestAppPortGroup(t *testing.T) {
	app := App{
		ID: "/my-app_1",
		Labels: map[string]string{
			"HAPROXY_GROUP":   "external",
			"HAPROXY_1_GROUP": "internal",
		},
	}
	test.AssertEquals(t, app.PortGroup(0), "external")
	test.AssertEquals(t, app.PortGroup(1), "internal")

	noGroup := App{ID: "/other"}
	test.AssertEquals(t, noGroup.PortGroup(0), "")
}

func TestAppPortDomains(t *testing.T) {
	app := App{
		ID: "/my-app_1",
		Labels: map[string]string{
			"MARATHON_ACME_0_DOMAIN": "example.com, example2.com",
		},
	}
	test.AssertDeepEquals(t, app.PortDomains(0), []string{"example.com", "example2.com"})
	test.AssertDeepEquals(t, app.PortDomains(1), []string(nil))
}

func TestGetApps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.AssertEquals(t, r.URL.Path, "/v2/apps")
		test.AssertEquals(t, r.URL.Query().Get("embed"), "app.tasks")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"apps": [{
				"id": "/my-app_1",
				"labels": {
					"HAPROXY_GROUP": "external",
					"MARATHON_ACME_0_DOMAIN": "example.com"
				},
				"portDefinitions": [
					{"port": 9000, "protocol": "tcp", "labels": {}}
				]
			}]
		}`)
	}))
	defer server.Close()

	client := New(server.URL, log.NewMock())
	apps, err := client.GetApps(context.Background())
	test.AssertNotError(t, err, "GetApps failed")
	test.AssertEquals(t, len(apps), 1)
	test.AssertEquals(t, apps[0].ID, "/my-app_1")
	test.AssertEquals(t, apps[0].Labels["HAPROXY_GROUP"], "external")
	test.AssertEquals(t, len(apps[0].PortDefinitions), 1)
	test.AssertEquals(t, apps[0].PortDefinitions[0].Port, 9000)
}

func TestGetAppsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL, log.NewMock())
	_, err := client.GetApps(context.Background())
	test.AssertError(t, err, "expected GetApps to fail")
	test.AssertContains(t, err.Error(), "503 Server Error")
}

func TestStreamEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.AssertEquals(t, r.URL.Path, "/v2/events")
		test.AssertDeepEquals(t,
			r.URL.Query()["event_type"], []string{"api_post_event", "status_update_event"})
		test.AssertEquals(t, r.Header.Get("Accept"), "text/event-stream")

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event:api_post_event\ndata:{\"appId\":\"/my-app_1\"}\n\n")
		flusher.Flush()
		// An unrequested type must be filtered out.
		fmt.Fprint(w, "event:unused_event\ndata:{}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	client := New(server.URL, log.NewMock())
	events := make(chan Event, 10)
	err := client.StreamEvents(context.Background(),
		[]string{"api_post_event", "status_update_event"}, events)
	test.AssertError(t, err, "a terminated stream reports an error")
	if !errors.Is(err, errors.Network) {
		t.Fatalf("expected a Network error, got %#v", err)
	}

	event := <-events
	test.AssertEquals(t, event.Type, "api_post_event")
	test.AssertEquals(t, string(event.Data), `{"appId":"/my-app_1"}`)
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestStreamEventsWrongContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{}")
	}))
	defer server.Close()

	client := New(server.URL, log.NewMock())
	err := client.StreamEvents(context.Background(), nil, make(chan Event, 1))
	test.AssertError(t, err, "expected a content type error")
	if !errors.Is(err, errors.Protocol) {
		t.Fatalf("expected a Protocol error, got %#v", err)
	}
}

func TestStreamEventsCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := New(server.URL, log.NewMock())

	done := make(chan error, 1)
	go func() {
		done <- client.StreamEvents(ctx, nil, make(chan Event, 1))
	}()
	// Give the stream a moment to connect, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		test.AssertError(t, err, "cancellation must surface an error")
	case <-time.After(5 * time.Second):
		t.Fatal("StreamEvents did not return after cancellation")
	}
}
