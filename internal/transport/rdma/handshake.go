package rdma

// Handshake protocol:
//
// The RDMA connection manager is independent from the TCP connection, so
// the queue pair has to be bound to the already-established byte socket
// explicitly:
//
//  1. The client writes a hello on the TCP stream: the magic string plus a
//     random nonce.
//  2. The server keeps the nonce and replies with its local socket
//     identifier.
//  3. The client starts the CM connection carrying the identifier and the
//     nonce as private data.
//  4. The acceptor matches the identifier to a socket and admits the CM
//     request only when the nonce equals the one captured in step 2.
//
// A forged CM request cannot know the nonce, which was only ever sent over
// the byte socket. This is not a cryptographic authenticator; the protocol
// is meant for trusted clusters.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmastream/internal/metrics"
)

// StartHandshake runs the client-side admission check and writes the hello.
// A destination outside the configured cluster prefix keeps the socket on
// plain TCP; that is not an error.
func (e *Endpoint) StartHandshake() error {
	if e.status != StatusUninitialized {
		return fmt.Errorf("%w: handshake already started in state %s", ErrProtocol, e.status)
	}

	if !e.cfg.ClusterPrefix.IsValid() || !e.cfg.ClusterPrefix.Contains(e.sock.RemoteIP()) {
		log.Warn().
			Stringer("remote", e.sock.RemoteIP()).
			Msg("Destination is not in the RDMA cluster")
		e.sock.SetRDMAState(RDMAOff)
		metrics.HandshakesTotal.WithLabelValues("fallback").Inc()
		return nil
	}

	e.status = StatusHelloC

	nonce := uuid.New()
	copy(e.nonce[:], nonce[:])

	hello := make([]byte, 0, HelloLength)
	hello = append(hello, Magic...)
	hello = append(hello, e.nonce[:]...)

	// Publish the state change to handshake ticks racing on the
	// dispatcher thread.
	e.windowSize.Store(int32(e.sqSize))

	return writeFull(e.sock, hello)
}

// Handshake runs one tick of the upgrade state machine. Input sources are
// polled in a fixed order: bytes on the socket, then the CM event queue,
// then the acceptor's pipe byte.
//
// Returns (n, nil) with n > 0 when the socket fell back to plain TCP and n
// bytes of application data are ready in the read buffer; (0, io.EOF) when
// the peer closed; (0, ErrAgain) to re-arm the dispatcher and wait; any
// other error is terminal for the socket.
func (e *Endpoint) Handshake() (int, error) {
	readLen := 0
	if e.handshakeBuf.Size() < HelloLength {
		n, err := e.handshakeBuf.AppendFromReader(e.sock, HelloLength-e.handshakeBuf.Size())
		switch {
		case err == nil:
		case errors.Is(err, ErrAgain):
		case errors.Is(err, io.EOF):
			return 0, io.EOF
		default:
			return 0, fmt.Errorf("handshake read: %w", err)
		}
		readLen = n
	}

	event := CMEventNone
	if readLen == 0 {
		if e.cm != nil {
			event = e.cm.GetCMEvent()
		}
		if event == CMEventNone {
			if e.pipe == nil {
				return 0, ErrAgain
			}
			ok, err := e.pipe.tryRead()
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, ErrAgain
			}
			event = CMEventAccept
		}
	}

	if event == CMEventOther || event == CMEventError {
		return 0, fmt.Errorf("%w: event %s", ErrCM, event)
	}

	if e.sock.CreatedByConnect() {
		return e.handshakeAtClient(event)
	}
	return e.handshakeAtServer(event)
}

func (e *Endpoint) handshakeAtServer(event CMEvent) (int, error) {
	directPass := false
	switch e.status {
	case StatusUninitialized:
		if event != CMEventNone {
			return 0, protocolErr(e.status, event)
		}
		if e.handshakeBuf.Size() < HelloLength {
			return 0, ErrAgain
		}

		var hello [HelloLength]byte
		e.handshakeBuf.CopyTo(hello[:])
		if string(hello[:MagicLength]) != Magic {
			// Client is not speaking RDMA: pass the bytes through as
			// plain TCP and disable the upgrade on this socket.
			e.sock.ReadBuf().Append(&e.handshakeBuf)
			e.sock.SetRDMAState(RDMAOff)
			metrics.HandshakesTotal.WithLabelValues("fallback").Inc()
			return e.sock.ReadBuf().Size(), nil
		}
		copy(e.nonce[:], hello[MagicLength:])

		pipe, err := newNotifyPipe()
		if err != nil {
			return 0, err
		}
		e.pipe = pipe

		e.handshakeBuf.Clear()
		e.status = StatusHelloS

		var sid [SIDLength]byte
		binary.BigEndian.PutUint64(sid[:], e.sock.ID())
		if err := writeFull(e.sock, sid[:]); err != nil {
			return 0, err
		}

	case StatusHelloS:
		if event != CMEventAccept {
			return 0, protocolErr(e.status, event)
		}

		if err := e.allocateResources(); err != nil {
			return 0, err
		}
		if err := e.cfg.Dispatcher.AddConsumer(e.sock.ID(), e.cm.GetFD()); err != nil {
			return 0, fmt.Errorf("%w: add rdmacm fd to dispatcher: %v", ErrCM, err)
		}

		res := ConnectResponse{RQSize: uint32(e.rqSize), SQSize: uint32(e.sqSize)}
		e.status = StatusAccepting
		err := e.cm.Accept(res.Marshal())
		if err != nil && !errors.Is(err, ErrAgain) {
			return 0, fmt.Errorf("%w: accept: %v", ErrCM, err)
		}
		if err != nil {
			break
		}
		directPass = true
		fallthrough

	case StatusAccepting:
		if !directPass && event != CMEventEstablished {
			return 0, protocolErr(e.status, event)
		}
		e.status = StatusEstablished
		e.sock.SetRDMAState(RDMAOn)
		metrics.HandshakesTotal.WithLabelValues("established").Inc()
		log.Debug().Uint64("sid", e.sock.ID()).Msg("RDMA endpoint established (server)")

	case StatusEstablished:
		if event != CMEventDisconnect {
			return 0, protocolErr(e.status, event)
		}
		return 0, io.EOF

	default:
		return 0, protocolErr(e.status, event)
	}

	return 0, ErrAgain
}

func (e *Endpoint) handshakeAtClient(event CMEvent) (int, error) {
	if e.status == StatusUninitialized {
		// StartHandshake has not published HELLO_C yet; re-arm.
		return 0, ErrAgain
	}

	directPass := false
	switch e.status {
	case StatusHelloC:
		if event != CMEventNone {
			return 0, protocolErr(e.status, event)
		}
		if e.handshakeBuf.Size() < SIDLength {
			return 0, ErrAgain
		}

		var sid [SIDLength]byte
		e.handshakeBuf.CopyTo(sid[:])
		e.remoteSID = binary.BigEndian.Uint64(sid[:])
		if e.remoteSID == 0 {
			// Server refused the upgrade: stay plain TCP.
			e.handshakeBuf.Clear()
			e.sock.SetRDMAState(RDMAOff)
			e.sock.WakeAsEpollOut()
			metrics.HandshakesTotal.WithLabelValues("fallback").Inc()
			break
		}
		e.handshakeBuf.Clear()

		if e.cfg.NewCM == nil {
			return 0, fmt.Errorf("%w: no CM factory configured", ErrCM)
		}
		cm, err := e.cfg.NewCM()
		if err != nil {
			return 0, fmt.Errorf("%w: create: %v", ErrCM, err)
		}
		e.cm = cm
		if err := e.cfg.Dispatcher.AddConsumer(e.sock.ID(), cm.GetFD()); err != nil {
			return 0, fmt.Errorf("%w: add rdmacm fd to dispatcher: %v", ErrCM, err)
		}

		e.status = StatusAddrResolving
		err = e.cm.ResolveAddr(e.sock.RemoteIP())
		if err != nil && !errors.Is(err, ErrAgain) {
			return 0, fmt.Errorf("%w: resolve addr: %v", ErrCM, err)
		}
		if err != nil {
			break
		}
		directPass = true
		fallthrough

	case StatusAddrResolving:
		if !directPass && event != CMEventAddrResolved {
			return 0, protocolErr(e.status, event)
		}
		e.status = StatusRouteResolving
		err := e.cm.ResolveRoute()
		if err != nil && !errors.Is(err, ErrAgain) {
			return 0, fmt.Errorf("%w: resolve route: %v", ErrCM, err)
		}
		if err != nil {
			break
		}
		directPass = true
		fallthrough

	case StatusRouteResolving:
		if !directPass && event != CMEventRouteResolved {
			return 0, protocolErr(e.status, event)
		}

		if err := e.allocateResources(); err != nil {
			return 0, err
		}

		req := ConnectRequest{
			SID:    e.remoteSID,
			Nonce:  e.nonce,
			RQSize: uint32(e.rqSize),
			SQSize: uint32(e.sqSize),
		}
		e.status = StatusConnecting
		err := e.cm.Connect(req.Marshal())
		if err != nil && !errors.Is(err, ErrAgain) {
			return 0, fmt.Errorf("%w: connect: %v", ErrCM, err)
		}
		if err != nil {
			break
		}
		directPass = true
		fallthrough

	case StatusConnecting:
		if !directPass && event != CMEventEstablished {
			return 0, protocolErr(e.status, event)
		}

		data := e.cm.GetConnData()
		if data == nil {
			return 0, fmt.Errorf("%w: establishment carried no private data", ErrProtocol)
		}
		var res ConnectResponse
		if err := res.Unmarshal(data); err != nil {
			return 0, err
		}
		// Never keep more sends in flight than the peer has recv slots.
		if int(res.RQSize) < e.sqSize {
			e.localWindowCapacity = int(res.RQSize)
			e.windowSize.Store(int32(res.RQSize))
		}
		if int(res.SQSize) < e.rqSize {
			e.remoteWindowCapacity = int(res.SQSize)
		}

		e.status = StatusEstablished
		e.sock.SetRDMAState(RDMAOn)
		e.sock.WakeAsEpollOut()
		metrics.HandshakesTotal.WithLabelValues("established").Inc()
		log.Debug().Uint64("remote_sid", e.remoteSID).Msg("RDMA endpoint established (client)")

	case StatusEstablished:
		if event != CMEventDisconnect {
			return 0, protocolErr(e.status, event)
		}
		return 0, io.EOF

	default:
		return 0, protocolErr(e.status, event)
	}

	return 0, ErrAgain
}

// CompleteHandshake drains a CM event that arrived after the accept path
// admitted the connection, typically the ESTABLISHED that races the first
// completions.
func (e *Endpoint) CompleteHandshake() (int, error) {
	if e.cm == nil {
		return 0, fmt.Errorf("%w: no CM bound", ErrProtocol)
	}

	event := e.cm.GetCMEvent()
	switch event {
	case CMEventEstablished, CMEventDisconnect:
		if e.sock.CreatedByConnect() {
			return e.handshakeAtClient(event)
		}
		return e.handshakeAtServer(event)
	case CMEventNone:
		return 0, ErrAgain
	default:
		return 0, fmt.Errorf("%w: event %s", ErrCM, event)
	}
}
