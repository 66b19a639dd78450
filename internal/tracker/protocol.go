package tracker

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/bencode"
)

// taskKind tags the small serializable "tracker-task" object carried
// on the Tracker's TCP port (§4.9).
type taskKind byte

const (
	taskTopologyGetter taskKind = iota
	taskNetworkGetter
	taskSubscriptionGetter
)

// Framing mirrors internal/wire.Message's shape (4-byte big-endian
// length, 1-byte tag, bencode-dict payload) — the same teacher-derived
// format, re-derived here because the tracker-task protocol is a
// distinct exchange from the three-stream Peer wire protocol, the same
// way the teacher keeps http_tracker.go and udp_tracker.go as separate
// wire formats from internal/protocol.
const maxFrameLength = 16 << 20

func writeFrame(w io.Writer, tag taskKind, dict bencode.Dict) error {
	payload, err := bencode.Marshal(dict)
	if err != nil {
		return errors.Wrap(err, "tracker: encode frame")
	}

	length := 1 + len(payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(tag)
	copy(buf[5:], payload)

	_, err = w.Write(buf)
	return errors.Wrap(err, "tracker: write frame")
}

func readFrame(r io.Reader) (taskKind, bencode.Dict, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 || length > maxFrameLength {
		return 0, nil, errors.Errorf("tracker: invalid frame length %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, errors.Wrap(err, "tracker: read frame")
	}

	tag := taskKind(buf[0])
	dict, err := bencode.UnmarshalDict(buf[1:])
	if err != nil {
		return 0, nil, errors.Wrap(err, "tracker: decode frame payload")
	}
	return tag, dict, nil
}
