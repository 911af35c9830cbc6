package mac

import (
	"log"
	"math/rand"
	"sync"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/packet"
)

// CSMAConfig controls retransmission of frames the duty-cycling layer could
// not deliver. Zero MaxRetransmissions passes every outcome straight up.
type CSMAConfig struct {
	MaxRetransmissions int `yaml:"max_retransmissions" json:"max_retransmissions"`
	// Backoff is one backoff slot, normally the sender's own cycle time.
	Backoff clock.Ticks `yaml:"backoff" json:"backoff"`
	// The n-th retry waits 1..2^min(MinBE+n-1, MaxBE) slots.
	MinBE uint8 `yaml:"min_be" json:"min_be"`
	MaxBE uint8 `yaml:"max_be" json:"max_be"`
	// RetryNoAck retransmits unacknowledged frames as well as collided ones.
	RetryNoAck bool `yaml:"retry_noack" json:"retry_noack"`
	Verbose    bool `yaml:"verbose" json:"verbose"`
}

func DefaultCSMAConfig() CSMAConfig {
	return CSMAConfig{MaxRetransmissions: 3, MinBE: 0, MaxBE: 3, RetryNoAck: true}
}

// CSMA sits on top of a Sender and retries failed transmissions after a
// random backoff. The callback sees the final status and the number of
// transmissions summed over every attempt.
type CSMA struct {
	cfg  CSMAConfig
	clk  clock.Clock
	next Sender

	mu  sync.Mutex
	rng *rand.Rand
}

func NewCSMA(next Sender, clk clock.Clock, cfg CSMAConfig, seed int64) *CSMA {
	if cfg.MaxBE < cfg.MinBE {
		cfg.MaxBE = cfg.MinBE
	}
	return &CSMA{cfg: cfg, clk: clk, next: next, rng: rand.New(rand.NewSource(seed))}
}

type csmaTx struct {
	send  func(Callback)
	dest  packet.Addr
	cb    Callback
	ptr   any
	tries int
	numTx int
}

func (c *CSMA) Send(pkt *packet.Buffer, cb Callback, ptr any) {
	c.start(&csmaTx{
		send: func(done Callback) { c.next.Send(pkt, done, nil) },
		dest: pkt.Receiver,
		cb:   cb,
		ptr:  ptr,
	})
}

func (c *CSMA) SendList(list *packet.BufList, cb Callback, ptr any) {
	c.start(&csmaTx{
		send: func(done Callback) { c.next.SendList(list, done, nil) },
		dest: list.Receiver(),
		cb:   cb,
		ptr:  ptr,
	})
}

func (c *CSMA) start(tx *csmaTx) {
	tx.send(func(_ any, status Status, numTx int) { c.done(tx, status, numTx) })
}

func (c *CSMA) done(tx *csmaTx, status Status, numTx int) {
	tx.numTx += numTx
	retry := status == TxCollision || (status == TxNoAck && c.cfg.RetryNoAck)
	if !retry || tx.tries >= c.cfg.MaxRetransmissions || tx.dest == packet.Broadcast {
		tx.cb(tx.ptr, status, tx.numTx)
		return
	}
	tx.tries++
	wait := c.backoff(tx.tries)
	if c.cfg.Verbose {
		log.Printf("[csma] %s to %s, retry %d/%d in %d ticks\n", status, tx.dest, tx.tries, c.cfg.MaxRetransmissions, wait)
	}
	c.clk.AfterFunc(clock.TicksToDuration(wait, c.clk.Second()), func() { c.start(tx) })
}

// backoff picks the wait before retry n (1-based) in ticks.
func (c *CSMA) backoff(n int) clock.Ticks {
	be := int(c.cfg.MinBE) + n - 1
	if be > int(c.cfg.MaxBE) {
		be = int(c.cfg.MaxBE)
	}
	c.mu.Lock()
	slots := 1 + c.rng.Intn(1<<be)
	c.mu.Unlock()
	return clock.Ticks(slots) * c.cfg.Backoff
}
