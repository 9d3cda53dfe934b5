package channel

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type pipeHalf struct {
	io.Reader
	io.Writer
}

func (pipeHalf) Close() error { return nil }

func newLoopback() (*Channel, *Channel) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := New(io.NopCloser(r1), w2)
	b := New(io.NopCloser(r2), w1)
	return a, b
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := newLoopback()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send(7, TagFSStat, []byte("/tmp/foo"))
	}()

	frame, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, uint32(7), frame.RequestID)
	require.Equal(t, TagFSStat, frame.Tag)
	require.Equal(t, "/tmp/foo", string(frame.Body))
}

func TestKeepaliveIsIgnoredButNotFatal(t *testing.T) {
	a, b := newLoopback()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.SendKeepalive()
		_ = a.Send(1, TagReply, nil)
	}()

	frame, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, TagKeepalive, frame.Tag)

	frame, err = b.Recv()
	require.NoError(t, err)
	require.Equal(t, TagReply, frame.Tag)
	require.Equal(t, uint32(1), frame.RequestID)
}

func TestUnknownTagClosesChannel(t *testing.T) {
	a, b := newLoopback()
	defer a.Close()
	defer b.Close()

	go func() {
		_, _ = a.w.Write([]byte{0, 0, 0, 5, 0, 0, 0, 1, 0x77})
	}()

	_, err := b.Recv()
	require.Error(t, err)
	var protoErr *ErrProtocol
	require.ErrorAs(t, err, &protoErr)
}

func TestTruncatedFrameIsFatal(t *testing.T) {
	a, b := newLoopback()
	defer a.Close()
	defer b.Close()

	go func() {
		_, _ = a.w.Write([]byte{0, 0, 0, 10})
		_ = a.w.(io.Closer).Close()
	}()

	_, err := b.Recv()
	require.Error(t, err)
}
