package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// replyKind enumerates the RESP2 reply types the provider understands.
type replyKind byte

const (
	kindSimple  replyKind = '+'
	kindBulk    replyKind = '$'
	kindInteger replyKind = ':'
	kindNil     replyKind = '_'
)

type reply struct {
	kind replyKind
	data []byte
}

func (r reply) isOK() bool {
	return r.kind == kindSimple && string(r.data) == "OK"
}

// ServerError is an error reply ("-ERR ...") returned by the server. The
// connection remains usable after one.
type ServerError string

func (e ServerError) Error() string { return "valkey: " + string(e) }

// conn is one RESP connection with buffered IO and per-call deadlines.
type conn struct {
	nc           net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newConn(nc net.Conn, readTimeout, writeTimeout time.Duration) *conn {
	return &conn{
		nc:           nc,
		r:            bufio.NewReader(nc),
		w:            bufio.NewWriter(nc),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// do writes one command and reads its reply.
func (c *conn) do(args ...[]byte) (reply, error) {
	if err := c.send(args...); err != nil {
		return reply{}, err
	}
	return c.receive()
}

func (c *conn) doStrings(args ...string) (reply, error) {
	parts := make([][]byte, len(args))
	for i, a := range args {
		parts[i] = []byte(a)
	}
	return c.do(parts...)
}

func (c *conn) send(args ...[]byte) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	c.w.WriteByte('*')
	c.w.WriteString(strconv.Itoa(len(args)))
	c.w.WriteString("\r\n")
	for _, arg := range args {
		c.w.WriteByte('$')
		c.w.WriteString(strconv.Itoa(len(arg)))
		c.w.WriteString("\r\n")
		c.w.Write(arg)
		c.w.WriteString("\r\n")
	}
	return c.w.Flush()
}

func (c *conn) receive() (reply, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return reply{}, err
	}
	prefix, err := c.r.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := c.line()
	if err != nil {
		return reply{}, err
	}

	switch prefix {
	case '+':
		return reply{kind: kindSimple, data: line}, nil
	case '-':
		return reply{}, ServerError(line)
	case ':':
		return reply{kind: kindInteger, data: line}, nil
	case '_':
		return reply{kind: kindNil}, nil
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, fmt.Errorf("bulk length %q: %w", line, err)
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("invalid bulk termination")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *conn) line() ([]byte, error) {
	line, err := c.r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errors.New("invalid line termination")
	}
	return append([]byte(nil), line[:len(line)-2]...), nil
}

func (c *conn) close() error {
	return c.nc.Close()
}
