package rpc

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 64 * 1024 * 1024

// Framer moves whole JSON-RPC messages over an underlying stream.
// ReadMessage returns io.EOF once the peer has gone away.
type Framer interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type lineFramer struct {
	scanner *bufio.Scanner
	w       io.Writer
	closer  io.Closer
	once    sync.Once
}

// NewLineFramer frames messages as newline-delimited JSON. Lines that do not
// start with '{' are skipped so stray output from the peer is harmless.
// closer may be nil.
func NewLineFramer(r io.Reader, w io.Writer, closer io.Closer) Framer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	return &lineFramer{scanner: scanner, w: w, closer: closer}
}

func (f *lineFramer) ReadMessage() ([]byte, error) {
	for f.scanner.Scan() {
		line := f.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	err := f.scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil, io.EOF
	}
	return nil, err
}

func (f *lineFramer) WriteMessage(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := f.w.Write(buf)
	return err
}

func (f *lineFramer) Close() error {
	var err error
	f.once.Do(func() {
		if f.closer != nil {
			err = f.closer.Close()
		}
	})
	return err
}

type wsFramer struct {
	conn *websocket.Conn
	once sync.Once
}

// NewWebSocketFramer carries one message per websocket text frame.
func NewWebSocketFramer(conn *websocket.Conn) Framer {
	conn.SetReadLimit(maxMessageSize)
	return &wsFramer{conn: conn}
}

func (f *wsFramer) ReadMessage() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (f *wsFramer) WriteMessage(data []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *wsFramer) Close() error {
	var err error
	f.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}
