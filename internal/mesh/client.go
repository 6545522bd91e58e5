package mesh

import (
	"context"
	"math/rand"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/events/bus"
)

const (
	dialTimeout      = 10 * time.Second
	reconnectInitial = 1 * time.Second
	reconnectMax     = 60 * time.Second
)

// peer dials one configured URL and keeps redialing it for the life of
// the mesh. Each successful dial hands the connection to the manager as
// an outbound session.
type peer struct {
	url    string
	ticket string
	mgr    *Manager
	logger *logger.Logger
}

func newPeer(rawURL, ticket string, mgr *Manager, log *logger.Logger) *peer {
	return &peer{
		url:    rawURL,
		ticket: ticket,
		mgr:    mgr,
		logger: log.WithFields(zap.String("peer_url", rawURL)),
	}
}

// dialURL appends the node identity and, until admitted, the join
// ticket as query parameters.
func (p *peer) dialURL() string {
	u, err := url.Parse(p.url)
	if err != nil {
		return p.url
	}
	q := u.Query()
	q.Set("node", p.mgr.opts.NodeID)
	if p.ticket != "" {
		q.Set("ticket", p.ticket)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *peer) run(ctx context.Context) {
	backoff := reconnectInitial

	for {
		if ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, p.dialURL(), nil)
		cancel()
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			p.logger.Warn("Peer connect failed",
				zap.Int("status", status),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			p.emit(events.PeerDisconnected, map[string]interface{}{
				"url":   p.url,
				"error": err.Error(),
			})
			if !sleepCtx(ctx, jitterDuration(backoff)) {
				return
			}
			backoff = nextReconnect(backoff)
			continue
		}

		// The server consumed the ticket during admission; reconnects
		// rely on doc membership instead.
		p.ticket = ""

		p.logger.Info("Peer connected")
		p.emit(events.PeerConnected, map[string]interface{}{"url": p.url})

		sess := p.mgr.attach(ctx, conn, false)
		select {
		case <-sess.done:
		case <-ctx.Done():
			sess.close()
			return
		}

		p.logger.Info("Peer disconnected")
		p.emit(events.PeerDisconnected, map[string]interface{}{"url": p.url})

		if sess.synced.Load() {
			backoff = reconnectInitial
		}
		if !sleepCtx(ctx, jitterDuration(backoff)) {
			return
		}
		backoff = nextReconnect(backoff)
	}
}

func (p *peer) emit(eventType string, data map[string]interface{}) {
	if p.mgr.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, p.mgr.opts.NodeID, data)
	if err := p.mgr.bus.Publish(context.Background(), eventType, event); err != nil {
		p.logger.WithError(err).Debug("peer event publish failed")
	}
}

// jitterDuration spreads a delay by +-20% so peers that lost the same
// backbone do not redial in lockstep.
func jitterDuration(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

func nextReconnect(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}

// sleepCtx sleeps for d, returning false when the context is cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
