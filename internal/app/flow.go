package app

import (
	"context"

	"github.com/Alpizar28/TecBot-api/internal/cycle"
	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/portal"
	"github.com/Alpizar28/TecBot-api/internal/retry"
	"github.com/Alpizar28/TecBot-api/internal/session"
)

// sessionFlowOpener plugs the session manager into the cycle coordinator: one
// Open call yields an authenticated portal flow for one user.
type sessionFlowOpener struct {
	sessions *session.Manager
}

func (o sessionFlowOpener) Open(ctx context.Context, user model.User, exec *retry.Executor) (cycle.Flow, error) {
	client, cookies, err := o.sessions.Client(ctx, user.PortalUsername, user.PortalPassword, exec)
	if err != nil {
		return nil, err
	}
	return &portalFlow{client: client, cookies: cookies}, nil
}

type portalFlow struct {
	client  *portal.Client
	cookies []model.Cookie
}

func (f *portalFlow) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	return f.client.FetchNotifications(ctx)
}

func (f *portalFlow) Acknowledge(ctx context.Context, portalID string) error {
	return f.client.Acknowledge(ctx, portalID)
}

func (f *portalFlow) Cookies() []model.Cookie { return f.cookies }
