package wire

import (
	"bufio"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

const (
	codecRaw uint8 = iota
	codecLZ4
)

// MaxFrameSize bounds the decoded size of one frame.
const MaxFrameSize = 16 << 20

// MaxWritePayload bounds the encoded payload carried by one write frame.
// Larger writes are split; it is a multiple of four so every piece is
// valid base64 on its own.
const MaxWritePayload = 8 << 20

// frames smaller than this are never worth compressing
const minCompressSize = 256

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope wraps every encoded frame on the stream. Body is the CBOR
// encoding of a frame, lz4 block compressed when Codec says so.
type envelope struct {
	_     struct{} `cbor:",toarray"`
	Codec uint8
	Size  int
	Body  []byte
}

// conn frames a byte stream. send is safe for concurrent use; recv must be
// called from one goroutine.
type conn struct {
	compress bool

	wmu sync.Mutex
	enc *cbor.Encoder
	dec *cbor.Decoder
}

func newConn(rw io.ReadWriter, compress bool) *conn {
	return &conn{
		compress: compress,
		enc:      encMode.NewEncoder(rw),
		dec:      decMode.NewDecoder(bufio.NewReader(rw)),
	}
}

func (c *conn) send(f *frame) error {
	body, err := encMode.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	env := envelope{Codec: codecRaw, Size: len(body), Body: body}
	if c.compress && len(body) >= minCompressSize {
		if packed, ok := compress(body); ok {
			env.Codec, env.Body = codecLZ4, packed
		}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return errors.Wrapf(c.enc.Encode(&env), "send %s", f.Op)
}

func (c *conn) recv() (*frame, error) {
	var env envelope
	if err := c.dec.Decode(&env); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if env.Size < 0 || env.Size > MaxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", env.Size)
	}

	body := env.Body
	switch env.Codec {
	case codecRaw:
	case codecLZ4:
		var err error
		if body, err = uncompress(env.Body, env.Size); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown frame codec %d", env.Codec)
	}

	f := new(frame)
	if err := decMode.Unmarshal(body, f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	return f, nil
}

// compress reports false when lz4 does not make data smaller.
func compress(data []byte) ([]byte, bool) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil || n == 0 || n >= len(data) {
		return nil, false
	}
	return dst[:n], true
}

func uncompress(data []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	if n != size {
		return nil, errors.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
