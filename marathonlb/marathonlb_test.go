package marathonlb

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/praekeltfoundation/marathon-acme/log"
	"github.com/praekeltfoundation/marathon-acme/test"
)

// fakeMarathonLb counts the signals it receives.
type fakeMarathonLb struct {
	*httptest.Server
	usr1 int64
	hup  int64
}

func newFakeMarathonLb(t *testing.T) *fakeMarathonLb {
	t.Helper()
	lb := &fakeMarathonLb{}
	lb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Path {
		case "/_mlb_signal/usr1":
			atomic.AddInt64(&lb.usr1, 1)
			fmt.Fprint(w, "Sent SIGUSR1 signal to marathon-lb")
		case "/_mlb_signal/hup":
			atomic.AddInt64(&lb.hup, 1)
			fmt.Fprint(w, "Sent SIGHUP signal to marathon-lb")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(lb.Close)
	return lb
}

func TestSignalUsr1(t *testing.T) {
	lb1 := newFakeMarathonLb(t)
	lb2 := newFakeMarathonLb(t)

	client := New([]string{lb1.URL, lb2.URL}, log.NewMock())
	results := client.SignalUsr1(context.Background())

	test.AssertEquals(t, len(results), 2)
	test.AssertEquals(t, results[0].Endpoint, lb1.URL)
	test.AssertEquals(t, results[1].Endpoint, lb2.URL)
	for _, result := range results {
		test.AssertEquals(t, result.OK(), true)
		test.AssertEquals(t, result.Status, 200)
		test.AssertEquals(t, result.Body, "Sent SIGUSR1 signal to marathon-lb")
	}
	test.AssertEquals(t, atomic.LoadInt64(&lb1.usr1), int64(1))
	test.AssertEquals(t, atomic.LoadInt64(&lb2.usr1), int64(1))
	test.AssertEquals(t, AnyOK(results), true)
}

func TestSignalHup(t *testing.T) {
	lb := newFakeMarathonLb(t)

	client := New([]string{lb.URL}, log.NewMock())
	results := client.SignalHup(context.Background())

	test.AssertEquals(t, len(results), 1)
	test.AssertEquals(t, results[0].Body, "Sent SIGHUP signal to marathon-lb")
	test.AssertEquals(t, atomic.LoadInt64(&lb.hup), int64(1))
}

func TestSignalPartialFailure(t *testing.T) {
	lb := newFakeMarathonLb(t)
	logger := log.NewMock()

	// The second endpoint refuses connections.
	client := New([]string{lb.URL, "http://127.0.0.1:1"}, logger)
	results := client.SignalUsr1(context.Background())

	test.AssertEquals(t, len(results), 2)
	test.AssertEquals(t, results[0].OK(), true)
	test.AssertEquals(t, results[1].OK(), false)
	test.AssertError(t, results[1].Err, "expected a connection error")
	test.AssertEquals(t, AnyOK(results), true)

	warnings := logger.GetAllMatching("Failed to signal marathon-lb")
	test.AssertEquals(t, len(warnings), 1)
}

func TestSignalAllFailed(t *testing.T) {
	client := New([]string{"http://127.0.0.1:1", "http://127.0.0.1:2"}, log.NewMock())
	results := client.SignalUsr1(context.Background())

	test.AssertEquals(t, len(results), 2)
	test.AssertEquals(t, AnyOK(results), false)
}
