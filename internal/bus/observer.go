package bus

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/agentcore/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
	clientQueue    = 256
)

// ObserverConfig configures the WebSocket observer.
type ObserverConfig struct {
	// Replay sends matching history before live events.
	Replay bool
	// ReplayLimit bounds the replay when the client does not ask for a count.
	ReplayLimit int
}

// DefaultObserverConfig replays the last 100 matching events.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{Replay: true, ReplayLimit: 100}
}

// Observer streams bus events to WebSocket clients. It is an http.Handler so the
// API server can mount it on its own router.
//
// Query parameters narrow the stream: session=ID, request=ID,
// types=state_transition,router_fallback, replay=false, count=N.
type Observer struct {
	bus      *Bus
	cfg      ObserverConfig
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	clients map[*observerClient]struct{}
	wg      sync.WaitGroup
}

type observerClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter Filter
	sub    SubscriptionID
	gone   chan struct{}
	once   sync.Once
}

func (c *observerClient) close() {
	c.once.Do(func() { close(c.gone) })
}

// NewObserver creates an observer over b. Call Start before serving.
func NewObserver(b *Bus, cfg ObserverConfig) *Observer {
	return &Observer{
		bus: b,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logging.Global().WithComponent("observer"),
		clients: make(map[*observerClient]struct{}),
	}
}

// Start allows connections.
func (o *Observer) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("observer already running")
	}
	o.running = true
	o.stop = make(chan struct{})
	return nil
}

// Stop disconnects every client and waits for their goroutines.
func (o *Observer) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stop)
	o.mu.Unlock()

	o.wg.Wait()
	o.log.Info("[Observer] stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (o *Observer) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// ClientCount returns the number of connected clients.
func (o *Observer) ClientCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.clients)
}

// ParseFilter reads the stream filter from query parameters.
func ParseFilter(q map[string][]string) Filter {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	f := Filter{SessionID: get("session"), RequestID: get("request")}
	for _, t := range strings.Split(get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, EventType(t))
		}
	}
	return f
}

// ServeHTTP upgrades the connection and streams matching events until either
// side closes.
func (o *Observer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := o.cfg.ReplayLimit
	if n, err := strconv.Atoi(q.Get("count")); err == nil && n >= 0 {
		limit = n
	}
	replay := o.cfg.Replay && q.Get("replay") != "false" && limit > 0

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		http.Error(w, "observer not running", http.StatusServiceUnavailable)
		return
	}
	stop := o.stop
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn("[Observer] upgrade failed: %v", err)
		return
	}

	c := &observerClient{
		conn:   conn,
		send:   make(chan []byte, clientQueue),
		filter: ParseFilter(q),
		gone:   make(chan struct{}),
	}
	if replay {
		for _, e := range o.bus.History(c.filter, limit) {
			c.enqueue(e)
		}
	}
	c.sub = o.bus.Subscribe(c.filter, c.enqueue)

	if !o.attach(c) {
		o.detach(c)
		return
	}
	o.log.Debug("[Observer] client connected (%d total)", o.ClientCount())

	go o.readLoop(c)
	o.writeLoop(c, stop)
	o.detach(c)
	o.log.Debug("[Observer] client disconnected (%d remaining)", o.ClientCount())
}

func (o *Observer) attach(c *observerClient) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.clients[c] = struct{}{}
	return true
}

func (o *Observer) detach(c *observerClient) {
	if c.sub != "" {
		_ = o.bus.Unsubscribe(c.sub)
	}
	o.mu.Lock()
	delete(o.clients, c)
	o.mu.Unlock()
	c.close()
	c.conn.Close()
}

// enqueue drops the event when the client is too slow to keep up.
func (c *observerClient) enqueue(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (o *Observer) writeLoop(c *observerClient, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.gone:
			return
		case <-stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// readLoop only services control frames; clients never send data.
func (o *Observer) readLoop(c *observerClient) {
	defer c.close()

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.log.Debug("[Observer] read: %v", err)
			}
			return
		}
	}
}
