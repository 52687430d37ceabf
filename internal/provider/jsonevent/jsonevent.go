// Package jsonevent receives events that are already in the normalized
// event dictionary format, e.g. status notifications of build and test
// systems relayed by a message bus bridge.
package jsonevent

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/provider"
)

const loggerName = "json-event-provider"

const providerName = "json"

// DeliveryIDHeader is the optional http header that carries the ID of the
// delivery.
const DeliveryIDHeader = "X-Delivery-ID"

const defMaxBodySize = 1 << 20

type Provider struct {
	logger      *zap.Logger
	c           chan<- *provider.Event
	maxBodySize int64
}

func New(eventChan chan<- *provider.Event) *Provider {
	return &Provider{
		logger:      zap.L().Named(loggerName),
		c:           eventChan,
		maxBodySize: defMaxBodySize,
	}
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(resp, "only POST requests are supported", http.StatusMethodNotAllowed)
		return
	}

	logger := p.logger.With(
		logfields.EventProvider(providerName),
		zap.String("delivery_id", req.Header.Get(DeliveryIDHeader)),
	)

	body, err := io.ReadAll(io.LimitReader(req.Body, p.maxBodySize+1))
	if err != nil {
		logger.Info(
			"reading http request body failed",
			logfields.Event("json_event_read_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	if int64(len(body)) > p.maxBodySize {
		http.Error(resp, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	dict, err := event.FromJSON(body)
	if err != nil {
		logger.Info(
			"received invalid event",
			logfields.Event("json_event_invalid"),
			zap.Error(err),
			zap.ByteString("http_body", body),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger = logger.With(dict.LogFields()...)

	ev := provider.Event{
		Provider:   providerName,
		DeliveryID: req.Header.Get(DeliveryIDHeader),
		Dict:       dict,
	}

	if !provider.Forward(p.c, &ev) {
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("json_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}

	logger.Debug("event forwarded to channel", logfields.Event("json_event_forwarded"))
	resp.WriteHeader(http.StatusAccepted)
}
