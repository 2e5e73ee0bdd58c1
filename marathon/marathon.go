// Package marathon provides a typed client for the parts of the Marathon
// REST API that marathon-acme consumes: the app listing and the
// server-sent event stream.
package marathon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/praekeltfoundation/marathon-acme/errors"
	"github.com/praekeltfoundation/marathon-acme/httpclient"
	"github.com/praekeltfoundation/marathon-acme/log"
	"github.com/praekeltfoundation/marathon-acme/sse"
)

// Label names that drive certificate provisioning.
const (
	labelGroup        = "HAPROXY_GROUP"
	labelPortGroup    = "HAPROXY_%d_GROUP"
	labelPortDomain   = "MARATHON_ACME_%d_DOMAIN"
	eventStreamAccept = "text/event-stream"
)

// PortDefinition is one entry of an app's ordered port list.
type PortDefinition struct {
	Port     int               `json:"port"`
	Protocol string            `json:"protocol"`
	Name     string            `json:"name,omitempty"`
	Labels   map[string]string `json:"labels"`
}

// App is an immutable snapshot of a Marathon app, holding only the fields
// marathon-acme cares about.
type App struct {
	ID              string            `json:"id"`
	Labels          map[string]string `json:"labels"`
	PortDefinitions []PortDefinition  `json:"portDefinitions"`
}

// PortGroup returns the effective HAProxy group for the given port index:
// the per-port group label if present, else the app-wide group label.
func (a App) PortGroup(index int) string {
	if group, ok := a.Labels[fmt.Sprintf(labelPortGroup, index)]; ok {
		return group
	}
	return a.Labels[labelGroup]
}

// PortDomains returns the domains to provision for the given port index.
func (a App) PortDomains(index int) []string {
	return ParseDomainLabel(a.Labels[fmt.Sprintf(labelPortDomain, index)])
}

// ParseDomainLabel parses a comma-separated domain label into a list of
// domains, trimming whitespace and dropping empty segments.
func ParseDomainLabel(label string) []string {
	var domains []string
	for _, domain := range strings.Split(label, ",") {
		domain = strings.TrimSpace(domain)
		if domain != "" {
			domains = append(domains, domain)
		}
	}
	return domains
}

// Event is one record from the Marathon event stream.
type Event struct {
	Type string
	Data []byte
}

// Client talks to a Marathon master.
type Client struct {
	http      httpclient.Client
	streaming httpclient.Client
	log       log.Logger
}

// New creates a Client for the Marathon master at baseURL. Credentials may
// be embedded in the URL as userinfo.
func New(baseURL string, logger log.Logger, opts ...httpclient.ClientOption) Client {
	// The event stream stays open indefinitely, so its client must not
	// carry a request deadline, whatever the caller configured.
	streamingOpts := append(append([]httpclient.ClientOption{}, opts...),
		httpclient.WithTimeout(0))
	return Client{
		http:      httpclient.New(baseURL, opts...),
		streaming: httpclient.New(baseURL, streamingOpts...),
		log:       logger,
	}
}

type appsResponse struct {
	Apps []App `json:"apps"`
}

// GetApps fetches the complete list of apps, with tasks embedded, in a
// single request.
func (c Client) GetApps(ctx context.Context) ([]App, error) {
	resp, err := c.http.Request(ctx, "GET", "/v2/apps",
		httpclient.WithParams(url.Values{"embed": []string{"app.tasks"}}))
	if err != nil {
		return nil, err
	}
	if err := httpclient.RaiseForStatus(resp); err != nil {
		return nil, err
	}

	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	var apps appsResponse
	if err := json.Unmarshal(body, &apps); err != nil {
		return nil, errors.MalformedError("unmarshalling /v2/apps response: %s", err)
	}
	return apps.Apps, nil
}

// StreamEvents opens the Marathon event stream and sends every event whose
// type is in eventTypes (all events when eventTypes is empty) on the
// events channel. It blocks until the stream terminates and always returns
// a non-nil error: the transport failure, a protocol error from the SSE
// decoder, or ctx.Err() after cancellation.
func (c Client) StreamEvents(ctx context.Context, eventTypes []string, events chan<- Event) error {
	params := url.Values{}
	for _, eventType := range eventTypes {
		params.Add("event_type", eventType)
	}
	headers := http.Header{}
	headers.Set("Accept", eventStreamAccept)

	resp, err := c.streaming.Request(ctx, "GET", "/v2/events",
		httpclient.WithParams(params),
		httpclient.WithHeaders(headers))
	if err != nil {
		return err
	}
	// The body is closed without draining: after a decoder error the rest
	// of an endless stream must not be read.
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := httpclient.RaiseForStatus(resp); err != nil {
		return err
	}
	if contentType := httpclient.GetSingleHeader(resp.Header, "Content-Type"); contentType != eventStreamAccept {
		return errors.ProtocolError(
			"expected %q content type, got %q", eventStreamAccept, contentType)
	}

	c.log.Info(fmt.Sprintf("Connected to Marathon event stream (types: %s)",
		strings.Join(eventTypes, ", ")))

	wanted := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		wanted[eventType] = true
	}

	decoder := sse.NewDecoder(func(event, data string) {
		if len(wanted) > 0 && !wanted[event] {
			return
		}
		select {
		case events <- Event{Type: event, Data: []byte(data)}:
		case <-ctx.Done():
		}
	})

	_, err = io.Copy(decoder, resp.Body)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, errors.Protocol) {
			return err
		}
		return errors.NetworkError("event stream read failed: %s", err)
	}
	return errors.NetworkError("event stream closed by server")
}
