package mqtt

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotfleet/helpers"
	"github.com/temoto/iotfleet/log2"
)

const outboxSize = 1024

type ListenOptions struct {
	URL string
	TLS *tls.Config

	AckTimeout     time.Duration
	NetworkTimeout time.Duration // conn receive timeout
	ReadLimit      int64
}

// Server side connection state.
// Relatively thin transport.Conn wrapper.
type peer struct {
	alive    *alive.Alive
	acks     *future.Store
	conn     transport.Conn
	connmu   sync.RWMutex
	disco    uint32
	ctx      context.Context
	err      helpers.AtomicError
	id       string
	opt      *ListenOptions
	outbox   chan *packet.Message
	log      *log2.Log
	username string
	will     *packet.Message
	willmu   sync.Mutex
}

func newPeer(ctx context.Context, conn transport.Conn, opt *ListenOptions, log *log2.Log, pktConnect *packet.Connect) *peer {
	p := &peer{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		ctx:      ctx,
		id:       pktConnect.ClientID,
		opt:      opt,
		outbox:   make(chan *packet.Message, outboxSize),
		log:      log,
		username: pktConnect.Username,
	}
	if pktConnect.Will != nil {
		p.will = pktConnect.Will.Copy()
	}
	return p
}

func (p *peer) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !p.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	if ex := p.acks.Get(id); ex != nil {
		err := errors.Errorf("CRITICAL expectAck overwriting id=%d", id)
		p.log.Error(err)
		ex.Cancel(err)
	}
	p.acks.Put(id, f)
	go func() {
		defer p.alive.Done()
		if err := f.Wait(p.opt.AckTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		p.acks.Delete(id)
	}()
	return f
}

// Enqueue schedules msg for delivery by deliverLoop without waiting for PUBACK.
// Overflow means the subscriber is stuck and the peer is closed.
func (p *peer) Enqueue(msg *packet.Message) error {
	select {
	case <-p.alive.StopChan():
		return ErrClosing
	default:
	}
	select {
	case p.outbox <- msg:
		return nil
	default:
		return p.die(errors.Errorf("outbox overflow clientid=%s size=%d", p.id, outboxSize))
	}
}

// deliverLoop publishes queued messages one by one, in order.
// Runs apart from the read loop, so PUBACK from this peer is never blocked by its own delivery.
func (p *peer) deliverLoop(nextID func() packet.ID) {
	defer p.alive.Done()
	stopch := p.alive.StopChan()
	for {
		select {
		case msg := <-p.outbox:
			if err := p.Publish(p.ctx, nextID(), msg); err != nil {
				p.log.Debugf("mqtt deliver id=%s msg=%s err=%v", p.id, MessageString(msg), err)
				return
			}
		case <-stopch:
			return
		}
	}
}

// Publish sends msg and waits PUBACK for QoS 1.
func (p *peer) Publish(ctx context.Context, id packet.ID, msg *packet.Message) error {
	if !p.alive.Add(1) {
		return ErrClosing
	}
	defer p.alive.Done()

	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		pub.ID = 0
		return p.Send(pub)

	case packet.QOSAtLeastOnce:
		if pub.ID == 0 {
			return errors.Errorf("code error QOSAtLeastOnce requires non-zero packet.ID message=%s", MessageString(msg))
		}
		f := p.expectAck(pub.ID)
		if err := p.Send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(p.opt.AckTimeout)
		if err == nil {
			return nil // success path
		} else if err == future.ErrCanceled {
			if err, _ = f.Result().(error); err == nil {
				err = errors.Errorf("code error ack future canceled with nil")
			}
		}
		return p.die(errors.Annotatef(err, "expect puback id=%d", pub.ID))
	}
	return errors.NotSupportedf("qos=%d", msg.QOS)
}

func (p *peer) Receive() (packet.Generic, error) {
	conn := p.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	switch err {
	case nil:
		p.log.Debugf("mqtt recv id=%s pkt=%s", p.id, PacketString(pkt))
		return pkt, nil

	case io.EOF: // remote properly closed connection
		_ = p.die(err)
		return nil, err

	default:
		if !p.alive.IsRunning() && isClosedConn(err) {
			// conn.Close was used to interrupt blocking Receive
			return nil, ErrClosing
		}
		_ = p.die(err)
		return nil, err
	}
}

func (p *peer) Send(pkt packet.Generic) error {
	conn := p.getConn()
	if conn == nil {
		return ErrClosing
	}
	p.log.Debugf("mqtt send id=%s pkt=%s", p.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !p.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return p.die(errors.Annotatef(err, "clientid=%s", p.id))
	}
	return nil
}

// success counterpart to expectAck
func (p *peer) FulfillAck(id packet.ID) error {
	f := p.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected ack for packet id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (p *peer) RemoteAddr() net.Addr {
	if conn := p.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (p *peer) die(e error) error {
	err, found := p.err.StoreOnce(e)
	if found {
		return err
	}
	p.alive.Stop()
	helpers.WithLock(&p.connmu, func() {
		if p.conn != nil {
			p.log.Debugf("mqtt close id=%s addr=%s e=%v", p.id, addrString(p.conn.RemoteAddr()), e)
			_ = p.conn.Close()
			p.conn = nil
		}
	})
	return e
}

func (p *peer) getConn() transport.Conn {
	p.connmu.RLock()
	c := p.conn
	p.connmu.RUnlock()
	return c
}

func (p *peer) getWill() (m *packet.Message, clean bool) {
	p.willmu.Lock()
	if p.will != nil {
		m = p.will.Copy()
	}
	p.willmu.Unlock()
	clean = atomic.LoadUint32(&p.disco) == 1
	return m, clean
}

func (p *peer) onDisconnect() {
	atomic.StoreUint32(&p.disco, 1)
	p.willmu.Lock()
	p.will = nil
	p.willmu.Unlock()
}

func addrString(a net.Addr) string {
	if a == nil {
		return "-"
	}
	return a.String()
}

// isClosedConn recognizes Receive/Send on connection we closed ourselves.
func isClosedConn(e error) bool {
	if e == nil {
		return false
	}
	return stderrors.Is(e, net.ErrClosed) || strings.HasSuffix(e.Error(), "use of closed network connection")
}
