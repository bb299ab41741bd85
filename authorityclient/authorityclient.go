// Package authorityclient talks to the remote authority. One batched
// call per reconciliation session, no per-mutation round-trips.
package authorityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/app/logger"
	"github.com/flatmates/flat-sync/config"
	"github.com/flatmates/flat-sync/syncproto"
)

const CName = "flatsync.authorityclient"

var log = logger.NewNamed(CName)

const syncPath = "/api/v1/sync"

// ErrTransport marks failures where no usable response was received.
var ErrTransport = errors.New("authority unreachable")

// RejectError is a non-success response from the authority.
type RejectError struct {
	Status int
	Body   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("authority rejected request: status %d", e.Status)
}

// TokenProvider supplies the bearer token; authentication itself is
// owned by the surrounding app.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

type Client interface {
	app.Component
	SetTokenProvider(p TokenProvider)
	// SyncAll sends the whole change-set and returns the authority's
	// merged view
	SyncAll(ctx context.Context, req *syncproto.SyncRequest) (*syncproto.SyncResponse, error)
}

type configGetter interface {
	GetAuthority() config.Authority
}

func New() Client {
	return &client{}
}

type client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
}

func (c *client) Init(a *app.App) (err error) {
	cfg := a.MustComponent(config.CName).(configGetter).GetAuthority()
	c.baseURL = cfg.BaseURL
	c.http = &http.Client{Timeout: cfg.Timeout()}
	return
}

func (c *client) Name() (name string) {
	return CName
}

func (c *client) SetTokenProvider(p TokenProvider) {
	c.tokens = p
}

func (c *client) SyncAll(ctx context.Context, req *syncproto.SyncRequest) (resp *syncproto.SyncResponse, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+syncPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		log.Warn("sync request rejected", zap.Int("status", httpResp.StatusCode))
		return nil, &RejectError{Status: httpResp.StatusCode, Body: string(data)}
	}

	resp = &syncproto.SyncResponse{}
	if err = json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrTransport, err)
	}
	return resp, nil
}
