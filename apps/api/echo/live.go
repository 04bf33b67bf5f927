package echoapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/announcement"
	"github.com/trezcool/lecturelog/core/lecture"
	"github.com/trezcool/lecturelog/core/realtime"
	"github.com/trezcool/lecturelog/core/session"
)

// Topics
const (
	topicSession       = "session"
	topicLectures      = "lectures"
	topicSubjects      = "subjects"
	topicAnnouncements = "announcements"
	topicAccounts      = "accounts"
)

// Events
const (
	eventSnapshot     = "snapshot"
	eventStale        = "stale"
	eventError        = "error"
	eventUnsubscribed = "unsubscribed"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
	liveOutBuffer  = 32
)

type (
	liveFilter struct {
		Subject string `json:"subject"`
		Status  string `json:"status"`
		Owner   string `json:"owner"`
		Role    string `json:"role"`
	}

	// liveRequest is what a client sends: {"action": "subscribe", "topic": "lectures", "filter": {...}}.
	liveRequest struct {
		Action string     `json:"action"` // subscribe | unsubscribe
		Topic  string     `json:"topic"`
		Filter liveFilter `json:"filter"`
	}

	liveMessage struct {
		Topic  string      `json:"topic"`
		Event  string      `json:"event"`
		Reason string      `json:"reason,omitempty"`
		Stale  bool        `json:"stale,omitempty"`
		Data   interface{} `json:"data,omitempty"`
		Error  string      `json:"error,omitempty"`

		last bool // close the connection once written
	}

	liveApi struct {
		server   *Server
		upgrader websocket.Upgrader
	}

	// liveConn is one client connection bound to its own session.
	liveConn struct {
		api    *liveApi
		conn   *websocket.Conn
		sess   *session.Session
		logger core.Logger
		out    chan liveMessage
		done   chan struct{} // closed once the writer is gone
		subs   map[string]*realtime.Subscription
	}
)

func registerLiveAPI(g *echo.Group, s *Server) {
	api := &liveApi{server: s}
	api.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     api.checkOrigin,
	}

	// browsers cannot set headers on a websocket handshake
	conf := newJWTConfig(s.conf)
	conf.TokenLookup = "query:token"
	g.GET("/live", api.serve, middleware.JWTWithConfig(conf), accountMiddleware(s.deps.AccountSvc))
}

// checkOrigin accepts same-host handshakes and the ones from the frontend.
func (api *liveApi) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(api.server.conf.FrontendBaseURL, "/"))
}

func (api *liveApi) serve(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	conn, err := api.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return nil // the upgrader has already replied
	}

	c := &liveConn{
		api:    api,
		conn:   conn,
		sess:   session.New(api.server.deps.AccountSvc, api.server.logger),
		logger: api.server.logger,
		out:    make(chan liveMessage, liveOutBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*realtime.Subscription),
	}
	c.run(acc)
	return nil
}

func (c *liveConn) run(acc account.Account) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	if err := c.sess.Resume(ctx, acc); err != nil {
		c.logger.Error("live: resuming session", err, acc)
		c.send(liveMessage{Topic: topicSession, Event: eventError, Error: http.StatusText(http.StatusServiceUnavailable), last: true})
	} else {
		go c.eventLoop()
		c.readLoop(ctx)
	}

	c.sess.Close()
	cancel()
	wg.Wait()
	_ = c.conn.Close()
}

// send queues msg for the writer. It gives up once the writer is gone.
func (c *liveConn) send(msg liveMessage) {
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

func (c *liveConn) writeLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	closeConn := func(code int, text string) {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(liveWriteWait))
		_ = c.conn.Close() // unblocks the reader
	}

	for {
		select {
		case <-ctx.Done():
			closeConn(websocket.CloseNormalClosure, "")
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				_ = c.conn.Close()
				return
			}
			if msg.last {
				closeConn(websocket.ClosePolicyViolation, msg.Reason)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// eventLoop relays session transitions; a forced logout ends the connection.
func (c *liveConn) eventLoop() {
	for ev := range c.sess.Events() {
		switch ev.Kind {
		case session.EventUpdated:
			c.send(liveMessage{Topic: topicSession, Event: ev.Kind, Data: ev.Account})
		case session.EventForcedLogout:
			c.send(liveMessage{Topic: topicSession, Event: ev.Kind, Reason: ev.Reason, last: true})
		}
	}
}

func (c *liveConn) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				c.logger.Debug("live: reading request", err)
			}
			return
		}
		var req liveRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(liveMessage{Event: eventError, Error: "malformed request"})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.subscribe(ctx, req)
		case "unsubscribe":
			c.unsubscribe(req.Topic)
		default:
			c.send(liveMessage{Topic: req.Topic, Event: eventError, Error: "unknown action"})
		}
	}
}

func (c *liveConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *liveConn) unsubscribe(topic string) {
	if sub, ok := c.subs[topic]; ok {
		sub.Cancel()
		delete(c.subs, topic)
	}
	c.send(liveMessage{Topic: topic, Event: eventUnsubscribed})
}

func (c *liveConn) subscribe(ctx context.Context, req liveRequest) {
	acc, ok := c.sess.Current()
	if !ok {
		c.send(liveMessage{Topic: req.Topic, Event: eventError, Error: session.ErrNotLoggedIn.Error()})
		return
	}
	if sub, ok := c.subs[req.Topic]; ok {
		sub.Cancel()
		delete(c.subs, req.Topic)
	}

	topic := req.Topic
	snapshot := func(data interface{}) {
		c.send(liveMessage{Topic: topic, Event: eventSnapshot, Data: data})
	}
	opts := realtime.Options{
		Logger: c.logger,
		OnError: func(error) {
			c.send(liveMessage{Topic: topic, Event: eventStale, Stale: true, Error: "live updates interrupted, retrying"})
		},
	}

	deps := c.api.server.deps
	var (
		sub *realtime.Subscription
		err error
	)
	switch topic {
	case topicLectures:
		filter := lecture.QueryFilter{Subject: req.Filter.Subject, Status: req.Filter.Status, OwnerID: req.Filter.Owner}
		sub, err = deps.LectureSvc.Subscribe(ctx, acc, filter, func(ls []lecture.Lecture) {
			if ls == nil {
				ls = []lecture.Lecture{}
			}
			snapshot(ls)
		}, opts)
	case topicSubjects:
		sub, err = deps.SubjectSvc.Subscribe(ctx, func(items []string) { snapshot(items) }, opts)
	case topicAnnouncements:
		sub, err = deps.AnnouncementSvc.SubscribeFor(ctx, acc, func(anns []announcement.Announcement) {
			if anns == nil {
				anns = []announcement.Announcement{}
			}
			snapshot(anns)
		}, opts)
	case topicAccounts:
		if !acc.IsAdmin() {
			c.send(liveMessage{Topic: topic, Event: eventError, Error: "permission denied"})
			return
		}
		filter := account.QueryFilter{Role: req.Filter.Role, Status: req.Filter.Status}
		sub, err = deps.AccountSvc.Subscribe(ctx, filter, func(accs []account.Account) {
			if accs == nil {
				accs = []account.Account{}
			}
			snapshot(accs)
		}, opts)
	default:
		c.send(liveMessage{Topic: topic, Event: eventError, Error: "unknown topic"})
		return
	}
	if err != nil {
		c.logger.Error("live: subscribing to "+topic, err, acc)
		c.send(liveMessage{Topic: topic, Event: eventError, Error: http.StatusText(http.StatusServiceUnavailable)})
		return
	}
	if err := c.sess.Track(sub); err != nil {
		c.send(liveMessage{Topic: topic, Event: eventError, Error: err.Error()})
		return
	}
	c.subs[topic] = sub
}
