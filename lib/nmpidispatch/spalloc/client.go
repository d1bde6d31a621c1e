// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spalloc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrDisconnected is returned by a request that was sent, but
	// the connection was lost before the response arrived.
	ErrDisconnected = errors.New("disconnected from spalloc server")
	// ErrClosed is returned by requests after the client is
	// closed.
	ErrClosed = errors.New("spalloc client is closed")
)

const (
	defaultReconnectInterval = time.Second
	maxLineBytes             = 1 << 22
	replyBuffer              = 8
)

// Client maintains a connection to a spalloc server, reconnecting
// as needed.
//
// The protocol has no request IDs: the server answers requests in
// the order they are sent. Client therefore sends one request at a
// time and waits for its reply before sending the next.
type Client struct {
	Addr              string
	ReconnectInterval time.Duration
	Logger            logrus.FieldLogger

	// JobsChanged, if not nil, is called (from the connection's
	// reader goroutine) with the job IDs in each jobs_changed
	// notification. It must not block.
	JobsChanged func([]int)

	// Connected, if not nil, is called (in a new goroutine) each
	// time a new connection is established.
	Connected func()

	// Connection state changes are reported here (true when
	// connected).
	StateChanged func(bool)

	dial func(ctx context.Context, addr string) (net.Conn, error)

	reqMtx sync.Mutex // held for the duration of each request

	mtx     sync.Mutex
	current *conn
	ready   chan struct{} // closed when current is set
	closed  bool
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
}

// conn is one connection to the server.
type conn struct {
	net.Conn
	replies chan reply
	lost    chan struct{} // closed when the reader exits
}

// Start connects to the server in the background, and reconnects
// whenever the connection is lost, until Close is called.
func (cl *Client) Start() {
	cl.startOnce.Do(func() {
		cl.mtx.Lock()
		cl.ready = make(chan struct{})
		cl.stop = make(chan struct{})
		cl.done = make(chan struct{})
		cl.mtx.Unlock()
		if cl.dial == nil {
			var d net.Dialer
			cl.dial = func(ctx context.Context, addr string) (net.Conn, error) {
				return d.DialContext(ctx, "tcp", addr)
			}
		}
		go cl.run()
	})
}

// Close shuts down the connection. Pending and future requests
// return ErrClosed.
func (cl *Client) Close() {
	cl.Start()
	cl.mtx.Lock()
	if cl.closed {
		cl.mtx.Unlock()
		return
	}
	cl.closed = true
	close(cl.stop)
	if cl.current != nil {
		cl.current.Close()
	}
	cl.mtx.Unlock()
	<-cl.done
}

func (cl *Client) logger() logrus.FieldLogger {
	if cl.Logger == nil {
		return logrus.StandardLogger()
	}
	return cl.Logger
}

func (cl *Client) reconnectInterval() time.Duration {
	if cl.ReconnectInterval > 0 {
		return cl.ReconnectInterval
	}
	return defaultReconnectInterval
}

func (cl *Client) run() {
	defer close(cl.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-cl.stop
		cancel()
	}()
	for {
		nc, err := cl.dial(ctx, cl.Addr)
		if err != nil {
			select {
			case <-cl.stop:
				return
			default:
			}
			cl.logger().WithError(err).WithField("Addr", cl.Addr).Warn("cannot connect to spalloc server")
			select {
			case <-cl.stop:
				return
			case <-time.After(cl.reconnectInterval()):
			}
			continue
		}
		c := &conn{Conn: nc, replies: make(chan reply, replyBuffer), lost: make(chan struct{})}
		cl.mtx.Lock()
		if cl.closed {
			cl.mtx.Unlock()
			nc.Close()
			return
		}
		cl.current = c
		close(cl.ready)
		cl.mtx.Unlock()
		cl.logger().WithField("Addr", cl.Addr).Info("connected to spalloc server")
		if cl.StateChanged != nil {
			cl.StateChanged(true)
		}
		if cl.Connected != nil {
			go cl.Connected()
		}

		cl.read(c)

		cl.mtx.Lock()
		cl.current = nil
		cl.ready = make(chan struct{})
		closed := cl.closed
		cl.mtx.Unlock()
		nc.Close()
		if cl.StateChanged != nil {
			cl.StateChanged(false)
		}
		if closed {
			return
		}
		cl.logger().WithField("Addr", cl.Addr).Warn("lost connection to spalloc server")
		select {
		case <-cl.stop:
			return
		case <-time.After(cl.reconnectInterval()):
		}
	}
}

// read receives messages from c until the connection fails.
func (cl *Client) read(c *conn) {
	defer close(c.lost)
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := parseMessage(line)
		if err != nil {
			cl.logger().WithError(err).WithField("Line", string(line)).Warn("ignoring message from spalloc server")
			continue
		}
		switch {
		case msg.reply != nil:
			select {
			case c.replies <- *msg.reply:
			default:
				cl.logger().WithField("Line", string(line)).Warn("dropping unexpected reply from spalloc server")
			}
		case msg.jobsChanged != nil:
			if cl.JobsChanged != nil {
				cl.JobsChanged(msg.jobsChanged)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		cl.logger().WithError(err).Debug("spalloc connection read error")
	}
}

// waitConnected returns the current connection, waiting for one to
// be established if necessary.
func (cl *Client) waitConnected(ctx context.Context) (*conn, error) {
	for {
		cl.mtx.Lock()
		if cl.closed {
			cl.mtx.Unlock()
			return nil, ErrClosed
		}
		c, ready, stop := cl.current, cl.ready, cl.stop
		cl.mtx.Unlock()
		if c != nil {
			return c, nil
		}
		select {
		case <-ready:
		case <-stop:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Call sends a command and waits for its reply. If a reply has
// arrived, dst (if not nil) is populated with the returned value.
//
// If ctx is cancelled after the request is sent, the connection is
// dropped so the late reply cannot be mistaken for the reply to a
// later request.
func (cl *Client) Call(ctx context.Context, dst interface{}, command string, args []interface{}, kwargs map[string]interface{}) error {
	cl.Start()
	cl.reqMtx.Lock()
	defer cl.reqMtx.Unlock()

	c, err := cl.waitConnected(ctx)
	if err != nil {
		return err
	}
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	buf, err := json.Marshal(request{Command: command, Args: args, Kwargs: kwargs})
	if err != nil {
		return err
	}
	// Discard stray replies left over from earlier requests.
	for drained := false; !drained; {
		select {
		case <-c.replies:
		default:
			drained = true
		}
	}
	if _, err := c.Write(append(buf, '\n')); err != nil {
		c.Close()
		return ErrDisconnected
	}
	select {
	case r := <-c.replies:
		return r.decode(command, dst)
	case <-c.lost:
		// The reply might have been delivered just before the
		// reader exited.
		select {
		case r := <-c.replies:
			return r.decode(command, dst)
		default:
		}
		cl.mtx.Lock()
		closed := cl.closed
		cl.mtx.Unlock()
		if closed {
			return ErrClosed
		}
		return ErrDisconnected
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// CreateJob asks the server for a new allocation of the given number
// of boards, and returns the job ID.
func (cl *Client) CreateJob(ctx context.Context, boards int, owner string) (int, error) {
	var id int
	err := cl.Call(ctx, &id, "create_job", []interface{}{boards}, map[string]interface{}{"owner": owner})
	return id, err
}

// NotifyJob subscribes to jobs_changed notifications for the job.
func (cl *Client) NotifyJob(ctx context.Context, id int) error {
	return cl.Call(ctx, nil, "notify_job", []interface{}{id}, nil)
}

// NoNotifyJob unsubscribes from notifications for the job.
func (cl *Client) NoNotifyJob(ctx context.Context, id int) error {
	return cl.Call(ctx, nil, "no_notify_job", []interface{}{id}, nil)
}

func (cl *Client) GetJobState(ctx context.Context, id int) (jobStateResponse, error) {
	var resp jobStateResponse
	err := cl.Call(ctx, &resp, "get_job_state", []interface{}{id}, nil)
	return resp, err
}

func (cl *Client) GetJobMachineInfo(ctx context.Context, id int) (machineInfo, error) {
	var info machineInfo
	err := cl.Call(ctx, &info, "get_job_machine_info", []interface{}{id}, nil)
	return info, err
}

func (cl *Client) DestroyJob(ctx context.Context, id int, reason string) error {
	return cl.Call(ctx, nil, "destroy_job", []interface{}{id}, map[string]interface{}{"reason": reason})
}

func (cl *Client) JobKeepalive(ctx context.Context, id int) error {
	return cl.Call(ctx, nil, "job_keepalive", []interface{}{id}, nil)
}

func (cl *Client) ListMachines(ctx context.Context) ([]machineDescription, error) {
	var machines []machineDescription
	err := cl.Call(ctx, &machines, "list_machines", nil, nil)
	return machines, err
}

// decode returns the reply's error, if any, or unmarshals its value
// into dst.
func (r reply) decode(command string, dst interface{}) error {
	if r.err != nil {
		if re, ok := r.err.(*RemoteError); ok {
			return &RemoteError{Command: command, Message: re.Message}
		}
		return r.err
	}
	if dst == nil || len(r.value) == 0 || string(r.value) == "null" {
		return nil
	}
	return json.Unmarshal(r.value, dst)
}
