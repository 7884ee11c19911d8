// Package gateway holds the outbound SMS transports. Delivery is
// best-effort throughout: every send returns an Outcome and no caller
// blocks a state transition on one.
package gateway

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/quietmaw/dread/internal/services"
)

// LogGateway writes outbound messages to the log. It is the default when
// no provider URL is configured.
type LogGateway struct {
	log *zap.Logger
}

func NewLogGateway(log *zap.Logger) *LogGateway { return &LogGateway{log: log} }

func (g *LogGateway) Send(to, body string) services.Outcome {
	g.log.Info("outbound message",
		zap.String("to", services.MaskIdentity(to)), zap.Int("chars", len(body)))
	return services.Delivered()
}

// HTTPGateway posts messages to a Twilio-shaped provider endpoint as form
// fields To, From, Body.
type HTTPGateway struct {
	url    string
	from   string
	client *http.Client
}

func NewHTTPGateway(providerURL, from string) *HTTPGateway {
	return &HTTPGateway{
		url:    providerURL,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *HTTPGateway) Send(to, body string) services.Outcome {
	form := url.Values{"To": {to}, "From": {g.from}, "Body": {body}}
	resp, err := g.client.PostForm(g.url, form)
	if err != nil {
		return services.Failed(err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return services.Failed("provider returned " + resp.Status)
	}
	return services.Delivered()
}

var (
	_ services.Gateway = (*LogGateway)(nil)
	_ services.Gateway = (*HTTPGateway)(nil)
)
