package matchapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/certbattle-match/internal/obslog"
)

// Hint is a server push nudging the client to refresh. Polling stays
// authoritative; a lost hint only delays a refresh until the next poll.
type Hint struct {
	Event  string `json:"event"`
	Mode   string `json:"mode,omitempty"`
	RoomID int64  `json:"roomId,omitempty"`
}

const (
	EventRoomsChanged  = "rooms_changed"
	EventMatchResolved = "match_resolved"
)

// HintHandler receives one decoded hint.
type HintHandler func(Hint)

// Notifier consumes the server's hint stream and fans hints out to
// per-event subscribers. The stream may drop at any time without
// affecting correctness, so redialing is best effort and bounded.
type Notifier struct {
	wsURL          string
	headerProvider HeaderProvider

	redialMax   int
	redialDelay time.Duration
	pingEvery   time.Duration

	mu            sync.Mutex
	roomsChanged  []HintHandler
	matchResolved []HintHandler
}

func NewNotifier(wsURL string, redialMax int, redialDelay time.Duration) *Notifier {
	return &Notifier{
		wsURL:       wsURL,
		redialMax:   redialMax,
		redialDelay: redialDelay,
		pingEvery:   30 * time.Second,
	}
}

// SetHeaderProvider injects session headers into the handshake.
func (n *Notifier) SetHeaderProvider(h HeaderProvider) { n.headerProvider = h }

// OnRoomsChanged subscribes to lobby-change hints.
func (n *Notifier) OnRoomsChanged(fn HintHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roomsChanged = append(n.roomsChanged, fn)
}

// OnMatchResolved subscribes to match-resolution hints.
func (n *Notifier) OnMatchResolved(fn HintHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matchResolved = append(n.matchResolved, fn)
}

// Run dials the stream and dispatches hints until ctx is cancelled.
// Dial failures back off linearly and end the run past the redial
// budget; a stream that came up resets the budget.
func (n *Notifier) Run(ctx context.Context) error {
	failures := 0
	for {
		conn, err := n.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if n.redialMax > 0 && failures > n.redialMax {
				obslog.L().Warn("hint_stream_gave_up", zap.Int("dial_failures", failures-1), zap.Error(err))
				return err
			}
			if werr := waitFor(ctx, n.redialDelay*time.Duration(failures)); werr != nil {
				return werr
			}
			continue
		}
		failures = 0

		err = n.consume(ctx, conn)
		_ = conn.Close(websocket.StatusGoingAway, "redial")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		obslog.L().Warn("hint_stream_dropped", zap.Error(err))
		if werr := waitFor(ctx, n.redialDelay); werr != nil {
			return werr
		}
	}
}

func (n *Notifier) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, n.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      n.buildHeaders(),
	})
	return conn, err
}

// consume reads hints until the stream breaks or ctx ends. A failed
// ping closes the connection so the blocked read returns.
func (n *Notifier) consume(ctx context.Context, conn *websocket.Conn) error {
	pctx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		t := time.NewTicker(n.pingEvery)
		defer t.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-t.C:
				pingCtx, cancel := context.WithTimeout(pctx, 3*time.Second)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					_ = conn.Close(websocket.StatusGoingAway, "ping failure")
					return
				}
			}
		}
	}()

	for {
		var h Hint
		if err := wsjson.Read(ctx, conn, &h); err != nil {
			return err
		}
		n.dispatch(h)
	}
}

func (n *Notifier) dispatch(h Hint) {
	n.mu.Lock()
	var handlers []HintHandler
	switch h.Event {
	case EventRoomsChanged:
		handlers = append(handlers, n.roomsChanged...)
	case EventMatchResolved:
		handlers = append(handlers, n.matchResolved...)
	default:
		n.mu.Unlock()
		obslog.L().Debug("hint_unknown", zap.String("event", h.Event))
		return
	}
	n.mu.Unlock()

	for _, fn := range handlers {
		fn(h)
	}
}

func (n *Notifier) buildHeaders() http.Header {
	hdr := http.Header{}
	if n.headerProvider == nil {
		return hdr
	}
	for k, v := range n.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
