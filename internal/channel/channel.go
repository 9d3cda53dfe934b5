package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Channel is a point-to-point, in-order framed message stream over a pair
// of one-directional pipes: reads come from one half, writes go to the
// other. It is safe for one concurrent reader and one concurrent writer
// (the supervisor's frame task owns both).
type Channel struct {
	r  *bufio.Reader
	w  io.Writer
	rc io.Closer
	wc io.Closer

	closeOnce sync.Once
	closeErr  error
}

// New wraps the read half (reply pipe) and write half (request pipe) of a
// child's framed connection.
func New(read io.ReadCloser, write io.WriteCloser) *Channel {
	return &Channel{
		r:  bufio.NewReader(read),
		w:  write,
		rc: read,
		wc: write,
	}
}

// Send writes one complete frame. It fails only if the underlying pipe is
// closed or errors mid-write.
func (c *Channel) Send(requestID uint32, tag Tag, body []byte) error {
	frame := Frame{RequestID: requestID, Tag: tag, Body: body}
	buf := encode(frame)
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// SendKeepalive writes the reserved zero-length frame.
func (c *Channel) SendKeepalive() error {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, 0)
	_, err := c.w.Write(out)
	return err
}

// ErrClosed is returned by Recv once the channel has hit EOF or Close.
var ErrClosed = io.EOF

// Recv blocks until one full frame is available or the channel closes.
// A truncated read (EOF mid-frame) is fatal and permanently closes the
// channel, matching the framing contract's "truncated reads are fatal"
// edge case.
func (c *Channel) Recv() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, ErrClosed
		}
		_ = c.Close()
		return Frame{}, &ErrProtocol{Reason: "truncated length prefix"}
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{Tag: TagKeepalive}, nil
	}
	if n > maxFrameBytes {
		_ = c.Close()
		return Frame{}, &ErrProtocol{Reason: "frame exceeds maximum size"}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		_ = c.Close()
		return Frame{}, &ErrProtocol{Reason: "truncated frame body"}
	}

	frame, err := decodePayload(payload)
	if err != nil {
		_ = c.Close()
		return Frame{}, err
	}
	return frame, nil
}

// Close closes both halves. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		var errRead, errWrite error
		if c.rc != nil {
			errRead = c.rc.Close()
		}
		if c.wc != nil {
			errWrite = c.wc.Close()
		}
		if errRead != nil {
			c.closeErr = errRead
		} else {
			c.closeErr = errWrite
		}
		log.Debug().Msg("framed channel closed")
	})
	return c.closeErr
}
