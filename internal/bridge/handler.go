package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Agent is the upstream half of the bridge: it answers consumer-ready
// greetings and acts on refresh requests. Implemented by the activation
// controller.
type Agent interface {
	// ConsumerGreeting returns the credential-update pushed when a consumer
	// reports ready. It returns an error when the push must be withheld
	// (no credential yet, or credential expired).
	ConsumerGreeting(ctx context.Context) (Message, error)
	// RefreshRequested reloads the observing tab so a fresh authenticated
	// request can be observed. No-ops when no observing tab is recorded.
	RefreshRequested(ctx context.Context)
}

const refreshTimeout = 15 * time.Second

// WSHandler upgrades consumer surface connections and speaks the bridge
// message protocol over them.
func WSHandler(broker *Broker, agent Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("bridge: upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		go serveConsumer(conn, broker, agent)
	}
}

// consumerConn serializes writes: both the broker pump and greeting replies
// write to the same socket.
type consumerConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *consumerConn) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerText(c.conn, data)
}

func serveConsumer(conn net.Conn, broker *Broker, agent Agent) {
	defer conn.Close()

	cc := &consumerConn{conn: conn}
	id, ch := broker.Subscribe()
	defer broker.Unsubscribe(id)

	slog.Info("bridge: consumer connected", "subscriber_id", id)

	// Pump broker messages out until the subscription or socket dies.
	go func() {
		for msg := range ch {
			if err := cc.send(msg); err != nil {
				slog.Debug("bridge: push failed", "subscriber_id", id, "error", err)
				conn.Close()
				return
			}
		}
	}()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			slog.Info("bridge: consumer disconnected", "subscriber_id", id, "reason", err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("bridge: unparseable message ignored", "subscriber_id", id, "error", err)
			continue
		}

		switch msg.Type {
		case TypeConsumerReady:
			greeting, err := agent.ConsumerGreeting(context.Background())
			if err != nil {
				// Withheld push is a benign state, not a failure.
				slog.Info("bridge: credential push withheld", "subscriber_id", id, "reason", err)
				continue
			}
			if err := cc.send(greeting); err != nil {
				slog.Debug("bridge: greeting send failed", "subscriber_id", id, "error", err)
				return
			}
		case TypeRefreshRequest:
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			agent.RefreshRequested(ctx)
			cancel()
		default:
			slog.Debug("bridge: unknown message type ignored", "type", msg.Type)
		}
	}
}
