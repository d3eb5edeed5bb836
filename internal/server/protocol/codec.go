package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	domainerrors "sitterd/internal/core/errors"

	"github.com/go-playground/validator/v10"
)

const (
	HeaderSize = 4

	DefaultMaxFrameBytes = 16 << 20
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Reader reads length-prefixed frames. A frame larger than the limit is
// skipped and reported as MALFORMED_REQUEST; the stream stays usable.
type Reader struct {
	r   *bufio.Reader
	max int
}

func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Reader{r: bufio.NewReader(r), max: maxFrame}
}

// ReadFrame returns the next frame body. io.EOF means the peer closed the
// channel between frames.
func (r *Reader) ReadFrame() ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, domainerrors.Wrap(err, domainerrors.CodeChannelDisconnected, "read frame header")
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(r.max) {
		if _, err := io.CopyN(io.Discard, r.r, int64(n)); err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodeChannelDisconnected, "discard oversized frame")
		}
		return nil, domainerrors.Newf(domainerrors.CodeMalformedRequest, "frame of %d bytes exceeds limit of %d", n, r.max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeChannelDisconnected, "read frame body")
	}
	return body, nil
}

// Recoverable reports whether a ReadFrame error leaves the stream usable.
func Recoverable(err error) bool {
	return domainerrors.IsCode(err, domainerrors.CodeMalformedRequest)
}

// AppendFrame appends the header and body of one frame to dst.
func AppendFrame(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// WriteFrame writes one frame in a single call.
func WriteFrame(w io.Writer, body []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(body)), body))
	return err
}

// Marshal encodes v as a complete frame.
func Marshal(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "encode frame")
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(body)), body), nil
}

// Decode parses and validates a request body. When the body is valid JSON
// the returned request carries whatever id and kind could be read, so the
// rejection can be correlated.
func Decode(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return req, domainerrors.Wrap(err, domainerrors.CodeMalformedRequest, "invalid request json")
	}
	if err := validate.Struct(&req); err != nil {
		return req, validationError(err)
	}
	return req, nil
}

// DecodePayload unmarshals and validates the request payload into v.
func DecodePayload(req Request, v interface{}) error {
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, v); err != nil {
			return domainerrors.Wrap(err, domainerrors.CodeMalformedRequest, "invalid payload for "+req.Kind)
		}
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domainerrors.Wrap(err, domainerrors.CodeValidationError, "validate request")
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return domainerrors.New(domainerrors.CodeValidationError, strings.Join(parts, "; "))
}
