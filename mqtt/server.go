package mqtt

// Retained-state MQTT broker for lab benches and integration tests.
// QoS 0 and 1 only, clean sessions only, no persistence.

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotfleet/helpers"
	"github.com/temoto/iotfleet/log2"
)

const defaultReadLimit = 1 << 20

var (
	ErrSameClient = fmt.Errorf("clientid overtake")
	ErrClosing    = fmt.Errorf("server is closing")
)

type ServerOptions struct {
	Log       *log2.Log
	OnClose   CloseFunc // valid client connection lost
	OnConnect ConnectFunc
	OnPublish MessageFunc // observe or reject before routing, optional
}

type CloseFunc = func(clientID string, clean bool, e error)
type ConnectFunc = func(context.Context, *ListenOptions, *packet.Connect) (bool, error)
type MessageFunc = func(ctx context.Context, clientID string, msg *packet.Message) error

// Server.subs is prefix tree of pattern -> []{client, qos}
type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct { //nolint:maligned
	sync.RWMutex

	alive *alive.Alive
	peers struct {
		sync.RWMutex
		m map[string]*peer
	}
	ctx       context.Context
	listens   map[string]*transport.NetServer
	log       *log2.Log
	nextid    uint32 // atomic packet.ID
	onClose   CloseFunc
	onConnect ConnectFunc
	onPublish MessageFunc
	retain    *topic.Tree // *packet.Message
	subs      *topic.Tree // *subscription
}

func NewServer(opt ServerOptions) *Server {
	s := &Server{
		alive:     alive.NewAlive(),
		ctx:       context.Background(),
		log:       opt.Log,
		onClose:   opt.OnClose,
		onConnect: defaultAuthDenyAll,
		onPublish: opt.OnPublish,
		retain:    topic.NewStandardTree(),
		subs:      topic.NewStandardTree(),
	}
	s.peers.m = make(map[string]*peer)
	if opt.OnConnect != nil {
		s.onConnect = opt.OnConnect
	}
	return s
}

// AllowAll accepts any client, for tests and closed lab networks.
func AllowAll(context.Context, *ListenOptions, *packet.Connect) (bool, error) { return true, nil }

// AllowPassword accepts clients presenting exactly given credentials.
func AllowPassword(username, password string) ConnectFunc {
	return func(_ context.Context, _ *ListenOptions, pkt *packet.Connect) (bool, error) {
		return pkt.Username == username && pkt.Password == password, nil
	}
}

func defaultAuthDenyAll(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error) {
	return false, fmt.Errorf("default connect callback is deny-all, please supply ServerOptions.OnConnect")
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	sort.Strings(addrs)
	return addrs
}

func (s *Server) Alive() *alive.Alive { return s.alive }

func (s *Server) Close() error {
	// serialize well with acceptLoop
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.peers.RLocker(), func() {
		for _, p := range s.peers.m {
			switch err := p.die(nil); err {
			case nil, ErrClosing, io.EOF:

			default:
				errs = append(errs, err)
			}
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(ctx context.Context, lopts []*ListenOptions) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	s.listens = make(map[string]*transport.NetServer, len(lopts))

	errs := make([]error, 0)
	for _, opt := range lopts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = DefaultNetworkTimeout
		}
		if opt.AckTimeout == 0 {
			opt.AckTimeout = 2 * opt.NetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		s.log.Debugf("listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)

		ns, err := s.listen(opt)
		if err != nil {
			err = errors.Annotatef(err, "mqtt listen url=%s", opt.URL)
			errs = append(errs, err)
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) NextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&s.nextid, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Publish updates retained store and queues msg to every matching subscriber.
// Returns number of subscribers the message was queued for. Delivery order is kept
// per subscriber, PUBACK from subscribers is awaited in their own delivery loops.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) (int, error) {
	s.log.Debugf("Server.Publish msg=%s", MessageString(msg))

	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	subs := make([]*subscription, 0, 8)
	uniq := make(map[string]struct{}) // deduplicate subscriptions
	for _, x := range s.subs.Match(msg.Topic) {
		xsub := x.(*subscription)
		if _, ok := uniq[xsub.client]; !ok {
			uniq[xsub.client] = struct{}{}
			subs = append(subs, xsub)
		}
	}
	if len(subs) == 0 {
		return 0, nil
	}

	errs := make([]error, 0)
	queued := 0
	helpers.WithLock(s.peers.RLocker(), func() {
		for _, sub := range subs {
			p, ok := s.peers.m[sub.client]
			if !ok {
				continue
			}
			pmsg := msg.Copy()
			// [MQTT-3.3.1-9] retain flag is set only on messages sent because of new subscription
			pmsg.Retain = false
			pmsg.QOS = minQOS(msg.QOS, sub.qos)
			if err := p.Enqueue(pmsg); err != nil {
				errs = append(errs, err)
				continue
			}
			queued++
		}
	})
	return queued, helpers.FoldErrors(errs)
}

// Retain returns copy of retained messages sorted by topic.
func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message).Copy()
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].Topic < ms[j].Topic })
	return ms
}

func (s *Server) listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	switch u.Scheme {
	case "tls", "ssl":
		ns, err := transport.CreateSecureNetServer(u.Host, opt.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")

	case "tcp", "unix":
		listen, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		return transport.NewNetServer(listen), nil
	}
	return nil, errors.NotSupportedf("listen url=%s", opt.URL)
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", opt.URL))
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

func (s *Server) onAccept(ctx context.Context, conn transport.Conn, opt *ListenOptions) (*peer, error) {
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)
	// Receive first packet without peer
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = broker.ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotatef(broker.ErrNotAuthorized, "empty clientid")
		return nil, err
	}

	ok, err = s.onConnect(ctx, opt, pktConnect)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		err = errors.Annotatef(broker.ErrNotAuthorized, "clientid=%s username=%s", pktConnect.ClientID, pktConnect.Username)
		return nil, err
	}
	s.log.Debugf("mqtt CONNECT addr=%s client=%s username=%s keepalive=%d", addr, pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)

	connack.ReturnCode = packet.ConnectionAccepted
	keepalive := keepaliveGrace(pktConnect.KeepAlive)
	if keepalive == 0 || keepalive > 2*opt.NetworkTimeout {
		keepalive = 2 * opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive)
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newPeer(ctx, conn, opt, s.log, pktConnect), nil
}

func (s *Server) onSubscribe(p *peer, pkt *packet.Subscribe) error {
	// A SUBSCRIBE packet with no payload is a protocol violation [MQTT-3.8.3-3].
	if len(pkt.Subscriptions) == 0 {
		return p.die(fmt.Errorf("subscribe request with empty sub list"))
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := s.subscribe(p, pkt.Subscriptions, suback)
	if err := p.Send(suback); err != nil {
		return errors.Annotate(err, "onSubscribe")
	}
	// retained messages go after SUBACK, in topic order
	for _, msg := range retained {
		if err := p.Enqueue(msg); err != nil {
			return errors.Annotate(err, "onSubscribe retained")
		}
	}
	return nil
}

func (s *Server) onPublishPacket(p *peer, pub *packet.Publish) error {
	if s.onPublish != nil {
		if err := s.onPublish(p.ctx, p.id, &pub.Message); err != nil {
			return errors.Annotatef(err, "publish rejected client=%s topic=%s", p.id, pub.Message.Topic)
		}
	}
	if _, err := s.Publish(p.ctx, &pub.Message); err != nil {
		// slow or broken subscriber is not the publisher's fault
		s.log.Errorf("mqtt route topic=%s err=%v", pub.Message.Topic, err)
	}

	switch pub.Message.QOS {
	case packet.QOSAtMostOnce:
		return nil

	case packet.QOSAtLeastOnce:
		puback := packet.NewPuback()
		puback.ID = pub.ID
		return p.Send(puback)
	}
	return errors.NotSupportedf("qos=%d", pub.Message.QOS)
}

func (s *Server) processConn(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	addrNew := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	p, err := s.onAccept(s.ctx, conn, opt)
	if err != nil {
		s.log.Infof("mqtt onAccept addr=%s err=%v", addrNew, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.peers, func() {
		// close existing client with same id
		if ex, ok := s.peers.m[p.id]; ok {
			s.log.Infof("mqtt client overtake id=%s ex=%s new=%s", p.id, addrString(ex.RemoteAddr()), addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.peers.m[p.id] = p
	})
	if p.alive.Add(1) {
		go p.deliverLoop(s.NextID)
	}

	// packets from one client are processed in order
	for {
		pkt, err := p.Receive()
		if !p.alive.IsRunning() || !s.alive.IsRunning() {
			_ = p.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		if done := s.processPacket(p, pkt); done {
			break
		}
	}

	// read side is gone, pending PUBACK can not arrive
	p.acks.Clear()
	p.alive.WaitTasks()

	// mandatory cleanup on peer closed
	closeErr := p.die(ErrClosing)
	will, clean := p.getWill()
	helpers.WithLock(&s.peers, func() {
		if ex := s.peers.m[p.id]; p == ex {
			delete(s.peers.m, p.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == p.id {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	s.log.Debugf("mqtt closed id=%s clean=%t will=%v err=%v", p.id, clean, will, closeErr)
	if !clean && will != nil {
		_, _ = s.Publish(s.ctx, will)
	}
	if s.onClose != nil {
		s.onClose(p.id, clean, closeErr)
	}
}

// on each incoming packet after connect handshake
func (s *Server) processPacket(p *peer, pkt packet.Generic) (done bool) {
	err := helpers.WithLockError(s.peers.RLocker(), func() error {
		if ex := s.peers.m[p.id]; p != ex {
			return ErrSameClient
		}
		return nil
	})
	if err != nil {
		s.log.Errorf("mqtt processPacket ignore from detached id=%s pkt=%s", p.id, PacketString(pkt))
		_ = p.die(err)
		return true
	}

	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = p.Send(packet.NewPingresp())

	case *packet.Publish:
		err = s.onPublishPacket(p, pt)

	case *packet.Puback:
		err = p.FulfillAck(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(p, pt)

	case *packet.Unsubscribe:
		s.unsubscribe(p, pt.Topics)
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		err = p.Send(unsuback)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = errors.NotSupportedf("qos2")

	case *packet.Disconnect:
		p.onDisconnect()
		_ = p.die(nil)
		return true

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		s.log.Errorf("mqtt client=%s pkt=%s err=%v", p.id, pkt.Type().String(), err)
		_ = p.die(err)
		return true
	}
	return false
}

// subscribe adds subscriptions and returns retained messages to deliver.
func (s *Server) subscribe(p *peer, subs []packet.Subscription, suback *packet.Suback) []*packet.Message {
	var retained []*packet.Message
	for _, sub := range subs {
		sub2 := &subscription{
			pattern: sub.Topic,
			client:  p.id,
			qos:     minQOS(sub.QOS, packet.QOSAtLeastOnce),
		}
		s.subs.Add(sub2.pattern, sub2)
		if suback != nil {
			suback.ReturnCodes = append(suback.ReturnCodes, sub2.qos)
		}

		values := s.retain.Search(sub2.pattern)
		msgs := make([]*packet.Message, 0, len(values))
		for _, v := range values {
			msg := v.(*packet.Message).Copy()
			msg.Retain = true
			msg.QOS = minQOS(msg.QOS, sub2.qos)
			msgs = append(msgs, msg)
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Topic < msgs[j].Topic })
		retained = append(retained, msgs...)
	}
	return retained
}

func (s *Server) unsubscribe(p *peer, patterns []string) {
	for _, pattern := range patterns {
		for _, value := range s.subs.Get(pattern) {
			if sub := value.(*subscription); sub.client == p.id {
				s.subs.Remove(pattern, value)
			}
		}
	}
}

func minQOS(a, b packet.QOS) packet.QOS {
	if a < b {
		return a
	}
	return b
}
