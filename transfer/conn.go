// File: transfer/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking connections owned by the reactor goroutine and the idle
// connection cache.

package transfer

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

// DefaultMaxConnects bounds the idle connection cache.
const DefaultMaxConnects = 1000

// conn is a connected, non-blocking socket. For TLS it is the engine end of a
// socketpair whose other end is pumped through a tls.Conn.
type conn struct {
	id        uint64
	fd        int
	key       string
	primaryIP string
	reused    bool
	taken     bool
}

var errWouldBlock = errors.New("would block")

func (c *conn) write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(c.fd, p, nil, nil, sendFlags)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		default:
			return 0, err
		}
	}
}

func (c *conn) read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		default:
			return 0, err
		}
	}
}

// alive peeks the socket: an idle connection must have nothing to read.
func (c *conn) alive() bool {
	var b [1]byte
	n, _, err := unix.Recvfrom(c.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	return n <= 0 && err == unix.EAGAIN
}

func (c *conn) close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// connCache keeps idle keep-alive connections, evicting the least recently
// parked one when full.
type connCache struct {
	idle  *lru.Cache[uint64, *conn]
	byKey map[string][]*conn
}

func newConnCache(size int) (*connCache, error) {
	if size <= 0 {
		size = DefaultMaxConnects
	}
	cc := &connCache{byKey: make(map[string][]*conn)}
	idle, err := lru.NewWithEvict(size, cc.onEvict)
	if err != nil {
		return nil, err
	}
	cc.idle = idle
	return cc, nil
}

func (cc *connCache) onEvict(_ uint64, c *conn) {
	if c.taken {
		return
	}
	list := cc.byKey[c.key]
	for i, x := range list {
		if x == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(cc.byKey, c.key)
	} else {
		cc.byKey[c.key] = list
	}
	_ = c.close()
}

func (cc *connCache) put(c *conn) {
	c.taken = false
	cc.byKey[c.key] = append(cc.byKey[c.key], c)
	cc.idle.Add(c.id, c)
}

// take returns the most recently parked live connection for key.
func (cc *connCache) take(key string) *conn {
	for {
		list := cc.byKey[key]
		if len(list) == 0 {
			return nil
		}
		c := list[len(list)-1]
		if len(list) == 1 {
			delete(cc.byKey, key)
		} else {
			cc.byKey[key] = list[:len(list)-1]
		}
		c.taken = true
		cc.idle.Remove(c.id)
		if c.alive() {
			return c
		}
		_ = c.close()
	}
}

func (cc *connCache) len() int { return cc.idle.Len() }

// purge closes every idle connection.
func (cc *connCache) purge() {
	cc.idle.Purge()
	cc.byKey = make(map[string][]*conn)
}
