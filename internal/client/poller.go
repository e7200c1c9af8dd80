package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	evdto "helpdesk-service/internal/domain/events"
	"helpdesk-service/internal/events"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/session"

	"go.uber.org/zap"
)

// HTTPPoller keeps a tab alive over plain HTTP while no websocket leader is
// relaying. It follows Policy for every call.
type HTTPPoller struct {
	api    *apiClient
	tokens TokenSource
	policy Policy
	logger *zap.Logger
}

func NewHTTPPoller(baseURL string, httpClient *http.Client, tokens TokenSource, logger *zap.Logger) *HTTPPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPPoller{
		api:    newAPIClient(baseURL, httpClient),
		tokens: tokens,
		policy: DefaultPolicy,
		logger: logger,
	}
}

// WithPolicy replaces the retry policy.
func (p *HTTPPoller) WithPolicy(policy Policy) *HTTPPoller {
	p.policy = policy
	return p
}

func (p *HTTPPoller) Heartbeat(ctx context.Context) (*session.HeartbeatResult, error) {
	var out session.HeartbeatResult
	err := p.withRetry(ctx, "heartbeat", func(bearer string) error {
		return p.api.do(ctx, request{method: http.MethodGet, path: "/api/v1/session/heartbeat", bearer: bearer}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll fetches events for room after since. A trimmed cursor comes back as
// *xerrors.SequenceGapError.
func (p *HTTPPoller) Poll(ctx context.Context, room string, since uint64, limit int) (events.Page, error) {
	q := url.Values{}
	q.Set("room", room)
	q.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out evdto.PollResponse
	err := p.withRetry(ctx, "poll", func(bearer string) error {
		err := p.api.do(ctx, request{method: http.MethodGet, path: "/api/v1/events/poll?" + q.Encode(), bearer: bearer}, &out)
		return gapFrom(err)
	})
	if err != nil {
		return events.Page{}, err
	}
	return events.Page{Records: out.Records, Head: out.Head, HasMore: out.HasMore}, nil
}

// gapFrom turns a 409 sequence_gap answer into its typed form.
func gapFrom(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "sequence_gap" {
		return err
	}
	var gap evdto.GapData
	if len(apiErr.Data) == 0 || json.Unmarshal(apiErr.Data, &gap) != nil {
		return err
	}
	return &xerrors.SequenceGapError{Room: gap.Room, Since: gap.Since, Oldest: gap.Oldest, Head: gap.Head}
}

func (p *HTTPPoller) withRetry(ctx context.Context, op string, call func(bearer string) error) error {
	for attempt := 0; ; attempt++ {
		bearer, err := p.tokens.AccessToken(ctx)
		if err == nil {
			err = call(bearer)
		}
		if err == nil {
			return nil
		}

		outcome := Classify(err)
		step := p.policy.Plan(outcome, attempt)
		// a gap needs a new cursor, which only the caller can pick
		if !step.Retry || outcome == OutcomeResync {
			return fmt.Errorf("%s: %w", op, err)
		}
		p.logger.Debug("retrying request",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Stringer("outcome", outcome),
			zap.Duration("delay", step.Delay),
			zap.Error(err),
		)
		if step.Refresh {
			if rerr := p.tokens.Refresh(ctx); rerr != nil {
				return fmt.Errorf("%s: refresh failed: %w", op, rerr)
			}
		}
		if err := sleep(ctx, step.Delay); err != nil {
			return err
		}
	}
}
