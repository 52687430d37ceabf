// Package github converts github webhook deliveries to normalized events.
package github

import (
	"net/http"
	"strings"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/provider"
)

const loggerName = "github-event-provider"

const providerName = "github"

const branchRefPrefix = "refs/heads/"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to Events and forwards them to an
// event channel.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	c             chan<- *provider.Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *provider.Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logger := p.logger.With(
		logfields.EventProvider(providerName),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Debug(
		"received http request",
		logfields.Event("github_event_received"),
		zap.ByteString("http_body", payload),
	)

	hook, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	dict, reason := ToDict(hook)
	if dict == nil {
		logger.Debug(
			"ignoring event",
			logfields.Event("github_event_ignored"),
			zap.String("reason", reason),
		)
		return
	}

	if err := dict.Validate(); err != nil {
		logger.Info(
			"ignoring event, converted event is invalid",
			logfields.Event("github_event_invalid"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	ev := provider.Event{
		Provider:   providerName,
		DeliveryID: deliveryID,
		Dict:       dict,
	}

	logger = logger.With(dict.LogFields()...)

	if !provider.Forward(p.c, &ev) {
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}

	logger.Debug("event forwarded to channel",
		logfields.Event("github_event_forwarded"),
	)
}

// ToDict converts a parsed webhook event to an event dictionary.
// If the event is not relevant, nil and the reason why it is ignored is
// returned.
func ToDict(hook any) (*event.Dict, string) {
	switch ev := hook.(type) {
	case *github.PullRequestEvent:
		switch ev.GetAction() {
		case "opened", "synchronize", "reopened":
		default:
			return nil, "pull request action " + ev.GetAction() + " is unsupported"
		}

		pr := ev.GetPullRequest()

		return &event.Dict{
			Type:       event.TypePullRequest,
			Action:     ev.GetAction(),
			Actor:      ev.GetSender().GetLogin(),
			ProjectURL: ev.GetRepo().GetHTMLURL(),
			CommitSHA:  pr.GetHead().GetSHA(),
			PRID:       ev.GetNumber(),
			BranchName: pr.GetHead().GetRef(),
		}, ""

	case *github.PushEvent:
		if ev.GetDeleted() {
			return nil, "branch was deleted"
		}

		if !strings.HasPrefix(ev.GetRef(), branchRefPrefix) {
			return nil, "push is not for a branch"
		}

		return &event.Dict{
			Type:       event.TypePush,
			Actor:      ev.GetSender().GetLogin(),
			ProjectURL: ev.GetRepo().GetHTMLURL(),
			CommitSHA:  ev.GetAfter(),
			BranchName: strings.TrimPrefix(ev.GetRef(), branchRefPrefix),
		}, ""

	case *github.ReleaseEvent:
		if ev.GetAction() != "published" {
			return nil, "release action " + ev.GetAction() + " is unsupported"
		}

		return &event.Dict{
			Type:       event.TypeRelease,
			Actor:      ev.GetSender().GetLogin(),
			ProjectURL: ev.GetRepo().GetHTMLURL(),
			TagName:    ev.GetRelease().GetTagName(),
		}, ""

	case *github.IssueCommentEvent:
		if ev.GetAction() != "created" {
			return nil, "comment action " + ev.GetAction() + " is unsupported"
		}

		d := event.Dict{
			Actor:      ev.GetSender().GetLogin(),
			ProjectURL: ev.GetRepo().GetHTMLURL(),
			Comment:    ev.GetComment().GetBody(),
		}

		if ev.GetIssue().IsPullRequest() {
			d.Type = event.TypePullRequestComment
			d.PRID = ev.GetIssue().GetNumber()
		} else {
			d.Type = event.TypeIssueComment
			d.IssueID = ev.GetIssue().GetNumber()
		}

		return &d, ""

	default:
		return nil, "event type is unsupported"
	}
}
