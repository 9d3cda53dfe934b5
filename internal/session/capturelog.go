package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"shannot/internal/errs"
)

// appendCaptureRecord serializes one capture as
//   u8 kind, u32 index, u64 created_at_unix_ms, <JSON body>
// and appends it to captures.log, fsyncing before returning so the
// capture is durable before the caller's ack reaches the child.
func appendCaptureRecord(path string, c Capture) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.New("append_capture", errs.KindInternal, err)
	}
	defer f.Close()

	body, err := json.Marshal(c)
	if err != nil {
		return errs.New("append_capture", errs.KindInternal, err)
	}

	var index int
	var createdAt time.Time
	switch v := c.(type) {
	case PendingWrite:
		index, createdAt = v.Index, v.CreatedAt
	case PendingSubprocess:
		index, createdAt = v.Index, v.CreatedAt
	case CapturedSocket:
		index, createdAt = v.Index, v.CreatedAt
	default:
		return errs.New("append_capture", errs.KindInternal, fmt.Errorf("unrecognized capture type %T", c))
	}

	rec := make([]byte, 1+4+8+len(body))
	rec[0] = byte(c.Kind())
	binary.BigEndian.PutUint32(rec[1:5], uint32(index))
	binary.BigEndian.PutUint64(rec[5:13], uint64(createdAt.UnixMilli()))
	copy(rec[13:], body)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(rec)))

	if _, err := f.Write(lenPrefix[:]); err != nil {
		return errs.New("append_capture", errs.KindInternal, err)
	}
	if _, err := f.Write(rec); err != nil {
		return errs.New("append_capture", errs.KindInternal, err)
	}
	if err := f.Sync(); err != nil {
		return errs.New("append_capture", errs.KindInternal, err)
	}
	return nil
}

// readCaptures decodes the full sequence of captures.log, in recorded
// order, validating the gap-free index invariant as it goes.
func readCaptures(path string) ([]Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("read_captures", errs.KindInternal, err)
	}
	defer f.Close()

	var out []Capture
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(f, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errs.New("read_captures", errs.KindInternal, fmt.Errorf("torn capture record: %w", err))
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		rec := make([]byte, n)
		if _, err := io.ReadFull(f, rec); err != nil {
			return nil, errs.New("read_captures", errs.KindInternal, fmt.Errorf("torn capture record: %w", err))
		}

		kind := CaptureKind(rec[0])
		body := rec[13:]

		var cap Capture
		switch kind {
		case CaptureWrite:
			var w PendingWrite
			if err := json.Unmarshal(body, &w); err != nil {
				return nil, errs.New("read_captures", errs.KindInternal, err)
			}
			cap = w
		case CaptureSubprocess:
			var p PendingSubprocess
			if err := json.Unmarshal(body, &p); err != nil {
				return nil, errs.New("read_captures", errs.KindInternal, err)
			}
			cap = p
		case CaptureSocket:
			var s CapturedSocket
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, errs.New("read_captures", errs.KindInternal, err)
			}
			cap = s
		default:
			return nil, errs.New("read_captures", errs.KindInternal, fmt.Errorf("unknown capture kind %d", kind))
		}
		out = append(out, cap)
	}

	if err := validateGapFree(out); err != nil {
		return nil, err
	}
	return out, nil
}

func indexOf(c Capture) int {
	switch v := c.(type) {
	case PendingWrite:
		return v.Index
	case PendingSubprocess:
		return v.Index
	case CapturedSocket:
		return v.Index
	default:
		return -1
	}
}

func validateGapFree(caps []Capture) error {
	for i, c := range caps {
		if indexOf(c) != i {
			return errs.New("read_captures", errs.KindInternal, fmt.Errorf("capture index gap: want %d, got %d", i, indexOf(c)))
		}
	}
	return nil
}
