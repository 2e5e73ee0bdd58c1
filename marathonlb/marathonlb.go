// Package marathonlb signals marathon-lb instances to reload their
// configuration. Signals are broadcast to every configured replica;
// individual replicas failing must not stop the others from being told.
package marathonlb

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/praekeltfoundation/marathon-acme/httpclient"
	"github.com/praekeltfoundation/marathon-acme/log"
)

// Result is the outcome of signalling a single replica. Either Err is set,
// or Status and Body describe the HTTP response.
type Result struct {
	Endpoint string
	Status   int
	Body     string
	Err      error
}

// OK reports whether the replica accepted the signal.
func (r Result) OK() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// AnyOK reports whether at least one replica accepted the signal. The
// reconciler treats that as "reload attempted".
func AnyOK(results []Result) bool {
	for _, result := range results {
		if result.OK() {
			return true
		}
	}
	return false
}

// Client signals a set of marathon-lb replicas.
type Client struct {
	endpoints []string
	http      httpclient.Client
	log       log.Logger
}

// New creates a Client for the given replica URLs.
func New(endpoints []string, logger log.Logger, opts ...httpclient.ClientOption) Client {
	return Client{
		endpoints: endpoints,
		http:      httpclient.New("", opts...),
		log:       logger,
	}
}

// SignalUsr1 tells every replica to reload its HAProxy config.
func (c Client) SignalUsr1(ctx context.Context) []Result {
	return c.signal(ctx, "usr1")
}

// SignalHup tells every replica to restart HAProxy.
func (c Client) SignalHup(ctx context.Context) []Result {
	return c.signal(ctx, "hup")
}

// signal posts /_mlb_signal/<sig> to all replicas concurrently. Results
// are ordered like the configured endpoints; per-replica failures are
// captured in the Result rather than aborting the fan-out.
func (c Client) signal(ctx context.Context, sig string) []Result {
	results := make([]Result, len(c.endpoints))
	var group errgroup.Group
	for i, endpoint := range c.endpoints {
		i, endpoint := i, endpoint
		group.Go(func() error {
			results[i] = c.signalOne(ctx, endpoint, sig)
			return nil
		})
	}
	_ = group.Wait()

	for _, result := range results {
		if !result.OK() {
			c.log.Warning(fmt.Sprintf(
				"Failed to signal marathon-lb instance %s: %s", result.Endpoint, result.describe()))
		}
	}
	return results
}

func (r Result) describe() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("HTTP %d: %s", r.Status, r.Body)
}

func (c Client) signalOne(ctx context.Context, endpoint, sig string) Result {
	result := Result{Endpoint: endpoint}

	resp, err := c.http.Request(ctx, "POST", endpoint,
		httpclient.WithPath("/_mlb_signal/"+sig))
	if err != nil {
		result.Err = err
		return result
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		result.Err = err
		return result
	}
	result.Status = resp.StatusCode
	result.Body = string(body)
	return result
}
