package ingress

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

type exchangeKey struct {
	remote    string
	messageID uint16
}

// exchange is one request from a remote endpoint. done is closed once the
// request was handled; reply is the response sent for it, if any.
type exchange struct {
	done  chan struct{}
	reply *coap.Message
}

func (e *exchange) finish(reply *coap.Message) {
	e.reply = reply
	close(e.done)
}

// exchanges remembers recent message ids per remote so that retransmitted
// requests are answered again instead of being published twice.
type exchanges struct {
	mu    sync.Mutex
	cache *expirable.LRU[exchangeKey, *exchange]
}

func newExchanges(size int, lifetime time.Duration) *exchanges {
	if lifetime <= 0 {
		return nil
	}
	return &exchanges{cache: expirable.NewLRU[exchangeKey, *exchange](size, nil, lifetime)}
}

// begin returns the exchange for (remote, messageID) and reports whether it
// was already known. A nil receiver tracks nothing.
func (x *exchanges) begin(remote string, messageID uint16) (*exchange, bool) {
	ex := &exchange{done: make(chan struct{})}
	if x == nil {
		return ex, false
	}
	key := exchangeKey{remote: remote, messageID: messageID}

	x.mu.Lock()
	defer x.mu.Unlock()
	if known, ok := x.cache.Get(key); ok {
		return known, true
	}
	x.cache.Add(key, ex)
	return ex, false
}
