// Package memcache is a memcached text-protocol client built on
// coev.ConnectionPool, grounded on
// original_source/python-evmemcached/evmemcache.py: one pool per
// server, keys routed to a server by consistent hashing so the same
// key reaches the same server across client instances as the server
// set stays stable.
package memcache

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xtaci/coev"
	"github.com/xtaci/coev/coeverr"
)

// ErrCacheMiss is returned by Get when the key is not present.
var ErrCacheMiss = fmt.Errorf("memcache: cache miss")

// ErrMalformedReply is returned when the server's reply does not match
// the text-protocol grammar this client understands.
var ErrMalformedReply = fmt.Errorf("memcache: malformed server reply")

const (
	defaultReadLimit = 4096
	ringReplicas     = 160
)

// Item is a single cache entry as returned by Get.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
}

// Client fans requests for a key out to the pool whose server owns it
// under consistent hashing.
type Client struct {
	pools []*coev.ConnectionPool
	ring  []ringPoint
}

type ringPoint struct {
	hash uint32
	pool int
}

// New builds a Client with one ConnectionPool per server endpoint.
// capacity/busyWait/connectTimeout/opTimeout mirror
// coev.NewConnectionPool's per-server knobs.
func New(rt *coev.Runtime, capacity int, busyWait, connectTimeout, opTimeout time.Duration, servers ...coev.Endpoint) *Client {
	c := &Client{pools: make([]*coev.ConnectionPool, len(servers))}
	for i, ep := range servers {
		c.pools[i] = coev.NewConnectionPool(rt, capacity, busyWait, connectTimeout, opTimeout, defaultReadLimit, ep)
	}
	for i, ep := range servers {
		for r := 0; r < ringReplicas; r++ {
			h := sha1.Sum([]byte(fmt.Sprintf("%s-%d", ep.String(), r)))
			c.ring = append(c.ring, ringPoint{hash: binary.BigEndian.Uint32(h[:4]), pool: i})
		}
	}
	sort.Slice(c.ring, func(i, j int) bool { return c.ring[i].hash < c.ring[j].hash })
	return c
}

// poolFor picks the server owning key via the hash ring.
func (c *Client) poolFor(key string) *coev.ConnectionPool {
	if len(c.ring) == 0 {
		return nil
	}
	h := sha1.Sum([]byte(key))
	target := binary.BigEndian.Uint32(h[:4])
	idx := sort.Search(len(c.ring), func(i int) bool { return c.ring[i].hash >= target })
	if idx == len(c.ring) {
		idx = 0
	}
	return c.pools[c.ring[idx].pool]
}

// Get fetches a single key, returning ErrCacheMiss if absent.
func (c *Client) Get(key string) (*Item, error) {
	pool := c.poolFor(key)
	h, err := pool.Get()
	if err != nil {
		return nil, err
	}
	defer h.Release()

	s := h.Stream()
	if _, err := s.Write([]byte("get " + key + "\r\n")); err != nil {
		h.MarkDead()
		return nil, err
	}
	if err := s.Flush(); err != nil {
		h.MarkDead()
		return nil, err
	}

	line, err := readLine(s)
	if err != nil {
		h.MarkDead()
		return nil, err
	}
	if bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte("END")) {
		return nil, ErrCacheMiss
	}

	fields := bytes.Fields(line)
	if len(fields) < 4 || string(fields[0]) != "VALUE" {
		h.MarkDead()
		return nil, ErrMalformedReply
	}
	flags64, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		h.MarkDead()
		return nil, ErrMalformedReply
	}
	length, err := strconv.Atoi(string(fields[3]))
	if err != nil {
		h.MarkDead()
		return nil, ErrMalformedReply
	}

	body, err := s.ReadFull(length + 2) // + trailing CRLF
	if err != nil {
		h.MarkDead()
		return nil, err
	}
	end, err := readLine(s)
	if err != nil {
		h.MarkDead()
		return nil, err
	}
	if !bytes.Equal(bytes.TrimRight(end, "\r\n"), []byte("END")) {
		h.MarkDead()
		return nil, ErrMalformedReply
	}

	return &Item{Key: string(fields[1]), Value: body[:length], Flags: uint32(flags64)}, nil
}

// Set stores value under key with the given flags and expiry (0 means
// never).
func (c *Client) Set(key string, value []byte, flags uint32, expire time.Duration) error {
	pool := c.poolFor(key)
	h, err := pool.Get()
	if err != nil {
		return err
	}
	defer h.Release()

	s := h.Stream()
	exptime := int(expire / time.Second)
	cmd := fmt.Sprintf("set %s %d %d %d\r\n", key, flags, exptime, len(value))
	if _, err := s.Write([]byte(cmd)); err != nil {
		h.MarkDead()
		return err
	}
	if _, err := s.Write(value); err != nil {
		h.MarkDead()
		return err
	}
	if _, err := s.Write([]byte("\r\n")); err != nil {
		h.MarkDead()
		return err
	}
	if err := s.Flush(); err != nil {
		h.MarkDead()
		return err
	}

	line, err := readLine(s)
	if err != nil {
		h.MarkDead()
		return err
	}
	if !bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte("STORED")) {
		return fmt.Errorf("memcache: set %q: %s", key, bytes.TrimRight(line, "\r\n"))
	}
	return nil
}

// Delete removes key; it is not an error for key to already be absent.
func (c *Client) Delete(key string) error {
	pool := c.poolFor(key)
	h, err := pool.Get()
	if err != nil {
		return err
	}
	defer h.Release()

	s := h.Stream()
	if _, err := s.Write([]byte("delete " + key + "\r\n")); err != nil {
		h.MarkDead()
		return err
	}
	if err := s.Flush(); err != nil {
		h.MarkDead()
		return err
	}
	line, err := readLine(s)
	if err != nil {
		h.MarkDead()
		return err
	}
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.Equal(trimmed, []byte("DELETED")) && !bytes.Equal(trimmed, []byte("NOT_FOUND")) {
		return fmt.Errorf("memcache: delete %q: %s", key, trimmed)
	}
	return nil
}

// Incr adds delta to the numeric value stored at key, returning the new
// value.
func (c *Client) Incr(key string, delta uint64) (uint64, error) {
	return c.incrDecr("incr", key, delta)
}

// Decr subtracts delta from the numeric value stored at key, returning
// the new value. Decrementing below zero clamps to zero, per the
// memcached protocol.
func (c *Client) Decr(key string, delta uint64) (uint64, error) {
	return c.incrDecr("decr", key, delta)
}

func (c *Client) incrDecr(verb, key string, delta uint64) (uint64, error) {
	pool := c.poolFor(key)
	h, err := pool.Get()
	if err != nil {
		return 0, err
	}
	defer h.Release()

	s := h.Stream()
	cmd := fmt.Sprintf("%s %s %d\r\n", verb, key, delta)
	if _, err := s.Write([]byte(cmd)); err != nil {
		h.MarkDead()
		return 0, err
	}
	if err := s.Flush(); err != nil {
		h.MarkDead()
		return 0, err
	}
	line, err := readLine(s)
	if err != nil {
		h.MarkDead()
		return 0, err
	}
	trimmed := bytes.TrimRight(line, "\r\n")
	if bytes.Equal(trimmed, []byte("NOT_FOUND")) {
		return 0, ErrCacheMiss
	}
	n, err := strconv.ParseUint(string(trimmed), 10, 64)
	if err != nil {
		return 0, ErrMalformedReply
	}
	return n, nil
}

func readLine(s *coev.Stream) ([]byte, error) {
	line, err := s.ReadLine(1024)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, coeverr.NewSocketError("readline", fmt.Errorf("connection closed"))
	}
	return line, nil
}
