// Package challenge serves ACME HTTP-01 challenge responses. The ACME
// client installs a key authorisation before asking the CA to validate,
// and clears it once validation completes; in between the CA fetches it
// from /.well-known/acme-challenge/<token>.
package challenge

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/praekeltfoundation/marathon-acme/log"
)

// WellKnownPath is the path prefix the ACME server fetches challenge
// responses from.
const WellKnownPath = "/.well-known/acme-challenge/"

// HTTP01Responder maps challenge tokens to key authorisations and serves
// them over HTTP. It is safe for concurrent use: the ACME client writes
// while the HTTP handler reads.
type HTTP01Responder struct {
	log log.Logger

	mu         sync.RWMutex
	challenges map[string]string

	served *prometheus.CounterVec
}

// NewHTTP01Responder creates an empty responder, registering its metrics
// with stats.
func NewHTTP01Responder(logger log.Logger, stats prometheus.Registerer) *HTTP01Responder {
	served := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http01_responses",
		Help: "HTTP-01 challenge requests served, by result",
	}, []string{"result"})
	stats.MustRegister(served)

	return &HTTP01Responder{
		log:        logger,
		challenges: make(map[string]string),
		served:     served,
	}
}

// SetChallenge installs the key authorisation for a token.
func (r *HTTP01Responder) SetChallenge(token, keyAuthorization string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[token] = keyAuthorization
	r.log.Debug(fmt.Sprintf("Set HTTP-01 challenge response for token %s", token))
}

// ClearChallenge removes a token once its challenge has completed.
func (r *HTTP01Responder) ClearChallenge(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.challenges, token)
	r.log.Debug(fmt.Sprintf("Cleared HTTP-01 challenge response for token %s", token))
}

// Handler returns the http.Handler serving the well-known challenge path.
// Register it at WellKnownPath.
func (r *HTTP01Responder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimPrefix(req.URL.Path, WellKnownPath)
		if req.Method != http.MethodGet || token == "" || strings.Contains(token, "/") {
			r.served.WithLabelValues("bad_request").Inc()
			http.NotFound(w, req)
			return
		}

		r.mu.RLock()
		keyAuthorization, ok := r.challenges[token]
		r.mu.RUnlock()
		if !ok {
			r.served.WithLabelValues("unknown_token").Inc()
			http.NotFound(w, req)
			return
		}

		r.served.WithLabelValues("ok").Inc()
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuthorization)
	})
}
