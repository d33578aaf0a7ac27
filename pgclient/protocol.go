// Package pgclient is a minimal PostgreSQL client built on
// coev.ConnectionPool, grounded on original_source/python-psycoev
// (examples/simple.py's connect/execute/fetch shape, and
// tests/test_dates.py for the scalar types a thin client must round-
// trip). It implements only the startup/auth handshake and the simple
// query subprotocol — no extended query protocol, prepared statements,
// COPY, or LISTEN/NOTIFY (see DESIGN.md for why a fuller driver like
// jackc/pgx isn't wired in its place here).
package pgclient

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/xtaci/coev"
	"github.com/xtaci/coev/coeverr"
)

// message type bytes from the frontend/backend protocol.
const (
	msgStartup             = 0 // startup has no leading type byte
	msgPassword            = 'p'
	msgQuery               = 'Q'
	msgTerminate           = 'X'
	msgAuthentication      = 'R'
	msgBackendKeyData      = 'K'
	msgBindComplete        = '2'
	msgCommandComplete     = 'C'
	msgDataRow             = 'D'
	msgErrorResponse       = 'E'
	msgNoticeResponse      = 'N'
	msgParameterStatus     = 'S'
	msgReadyForQuery       = 'Z'
	msgRowDescription      = 'T'
	msgEmptyQueryResponse  = 'I'
	authOK                 = 0
	authCleartextPassword  = 3
	authMD5Password        = 5
	protocolVersion uint32 = 196608 // 3.0 << 16
)

// Field describes one result column, from a RowDescription message.
type Field struct {
	Name     string
	TableOID uint32
	ColAttr  uint16
	TypeOID  uint32
	TypeSize int16
	TypeMod  int32
	Format   int16
}

// Result is a simple-query reply: its row descriptions, rows (each a
// slice of raw column bytes, nil for SQL NULL), and the server's
// command tag (e.g. "SELECT 3").
type Result struct {
	Fields     []Field
	Rows       [][][]byte
	CommandTag string
}

// Conn is a single authenticated connection, borrowed from a pool via
// Open and returned via Close.
type Conn struct {
	handle *coev.Handle
	stream *coev.Stream
}

// Open borrows a connection from pool, performs the startup and
// authentication handshake for database/user, and returns a ready
// Conn.
func Open(pool *coev.ConnectionPool, database, user, password string) (*Conn, error) {
	h, err := pool.Get()
	if err != nil {
		return nil, err
	}
	c := &Conn{handle: h, stream: h.Stream()}
	if err := c.startup(database, user, password); err != nil {
		h.MarkDead()
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close returns the underlying connection to its pool.
func (c *Conn) Close() error {
	c.handle.Release()
	return nil
}

func (c *Conn) startup(database, user, password string) error {
	body := make([]byte, 0, 64)
	body = appendUint32(body, protocolVersion)
	body = appendCString(body, "user")
	body = appendCString(body, user)
	body = appendCString(body, "database")
	body = appendCString(body, database)
	body = append(body, 0) // terminator

	if err := c.writeRaw(body); err != nil {
		return err
	}
	if err := c.stream.Flush(); err != nil {
		return err
	}

	for {
		typ, payload, err := c.readMessage()
		if err != nil {
			return err
		}
		switch typ {
		case msgAuthentication:
			if len(payload) < 4 {
				return coeverr.NewSocketError("startup", fmt.Errorf("short authentication message"))
			}
			kind := binary.BigEndian.Uint32(payload[:4])
			switch kind {
			case authOK:
				// fall through to wait for ReadyForQuery
			case authCleartextPassword:
				if err := c.sendPassword(password); err != nil {
					return err
				}
			case authMD5Password:
				if len(payload) < 8 {
					return coeverr.NewSocketError("startup", fmt.Errorf("short md5 salt"))
				}
				salt := payload[4:8]
				hashed := md5Hash(password, user, salt)
				if err := c.sendPassword(hashed); err != nil {
					return err
				}
			default:
				return coeverr.NewSocketError("startup", fmt.Errorf("unsupported auth method %d", kind))
			}
		case msgBackendKeyData, msgParameterStatus:
			// informational, ignored by this thin client
		case msgErrorResponse:
			return coeverr.NewSocketError("startup", fmt.Errorf("%s", parseErrorFields(payload)))
		case msgReadyForQuery:
			return nil
		default:
			return coeverr.NewSocketError("startup", fmt.Errorf("unexpected message type %q during startup", typ))
		}
	}
}

func (c *Conn) sendPassword(secret string) error {
	body := appendCString(nil, secret)
	if err := c.writeMessage(msgPassword, body); err != nil {
		return err
	}
	return c.stream.Flush()
}

// Query runs sql as a simple-query (no parameter binding — interpolate
// before calling, matching the simple subprotocol's contract) and
// collects the full result.
func (c *Conn) Query(sql string) (*Result, error) {
	body := appendCString(nil, sql)
	if err := c.writeMessage(msgQuery, body); err != nil {
		return nil, err
	}
	if err := c.stream.Flush(); err != nil {
		return nil, err
	}

	res := &Result{}
	for {
		typ, payload, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		switch typ {
		case msgRowDescription:
			res.Fields = parseRowDescription(payload)
		case msgDataRow:
			res.Rows = append(res.Rows, parseDataRow(payload))
		case msgCommandComplete:
			res.CommandTag = string(trimNull(payload))
		case msgEmptyQueryResponse:
			// no tag, no rows
		case msgNoticeResponse:
			// informational, ignored
		case msgErrorResponse:
			return nil, coeverr.NewSocketError("query", fmt.Errorf("%s", parseErrorFields(payload)))
		case msgReadyForQuery:
			return res, nil
		default:
			return nil, coeverr.NewSocketError("query", fmt.Errorf("unexpected message type %q", typ))
		}
	}
}

func (c *Conn) writeMessage(typ byte, body []byte) error {
	header := make([]byte, 5)
	header[0] = typ
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)+4))
	if _, err := c.stream.Write(header); err != nil {
		return err
	}
	_, err := c.stream.Write(body)
	return err
}

func (c *Conn) writeRaw(body []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)+4))
	if _, err := c.stream.Write(header); err != nil {
		return err
	}
	_, err := c.stream.Write(body)
	return err
}

func (c *Conn) readMessage() (byte, []byte, error) {
	hdr, err := c.stream.ReadFull(5)
	if err != nil {
		return 0, nil, err
	}
	typ := hdr[0]
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length < 4 {
		return 0, nil, coeverr.NewSocketError("read_message", fmt.Errorf("invalid message length %d", length))
	}
	if length == 4 {
		return typ, nil, nil
	}
	payload, err := c.stream.ReadFull(int(length - 4))
	if err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

func parseRowDescription(payload []byte) []Field {
	if len(payload) < 2 {
		return nil
	}
	count := binary.BigEndian.Uint16(payload[:2])
	pos := 2
	fields := make([]Field, 0, count)
	for i := uint16(0); i < count; i++ {
		nameEnd := pos
		for nameEnd < len(payload) && payload[nameEnd] != 0 {
			nameEnd++
		}
		name := string(payload[pos:nameEnd])
		pos = nameEnd + 1
		if pos+18 > len(payload) {
			break
		}
		f := Field{
			Name:     name,
			TableOID: binary.BigEndian.Uint32(payload[pos:]),
			ColAttr:  binary.BigEndian.Uint16(payload[pos+4:]),
			TypeOID:  binary.BigEndian.Uint32(payload[pos+6:]),
			TypeSize: int16(binary.BigEndian.Uint16(payload[pos+10:])),
			TypeMod:  int32(binary.BigEndian.Uint32(payload[pos+12:])),
			Format:   int16(binary.BigEndian.Uint16(payload[pos+16:])),
		}
		pos += 18
		fields = append(fields, f)
	}
	return fields
}

func parseDataRow(payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}
	count := binary.BigEndian.Uint16(payload[:2])
	pos := 2
	row := make([][]byte, 0, count)
	for i := uint16(0); i < count; i++ {
		if pos+4 > len(payload) {
			break
		}
		n := int32(binary.BigEndian.Uint32(payload[pos:]))
		pos += 4
		if n < 0 {
			row = append(row, nil)
			continue
		}
		row = append(row, payload[pos:pos+int(n)])
		pos += int(n)
	}
	return row
}

func parseErrorFields(payload []byte) string {
	var msg, sev string
	i := 0
	for i < len(payload) && payload[i] != 0 {
		field := payload[i]
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		val := string(payload[start:i])
		i++
		switch field {
		case 'M':
			msg = val
		case 'S':
			sev = val
		}
	}
	return sev + ": " + msg
}

func md5Hash(password, user string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendCString(b []byte, s string) []byte {
	return append(append(b, s...), 0)
}

func trimNull(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}
