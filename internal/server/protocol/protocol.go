// Package protocol defines the control-channel messages exchanged between
// an editor and sitterd, and their length-prefixed JSON framing.
package protocol

import (
	"encoding/json"

	domainerrors "sitterd/internal/core/errors"
	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/query"
)

// Request kinds.
const (
	KindHello        = "hello"
	KindLanguages    = "languages"
	KindBufferOpen   = "buffer_open"
	KindBufferEdit   = "buffer_edit"
	KindBufferReload = "buffer_reload"
	KindBufferClose  = "buffer_close"
	KindBufferStatus = "buffer_status"
	KindQuery        = "query"
	KindTextObjects  = "text_objects"
	KindNav          = "nav"
	KindIndentGuides = "indent_guides"
	KindPing         = "ping"
	KindSessionExit  = "session_exit"
	KindShutdown     = "shutdown"

	// KindPush marks server-initiated frames.
	KindPush = "push"
)

// Response statuses.
const (
	StatusOK             = "ok"
	StatusError          = "error"
	StatusSuperseded     = "superseded"
	StatusResyncRequired = "resync_required"
)

// Output formats for query-like requests.
const (
	FormatJSON    = "json"
	FormatKakoune = "kakoune"
)

type Request struct {
	ID      uint64          `json:"id" validate:"required"`
	Kind    string          `json:"kind" validate:"required,oneof=hello languages buffer_open buffer_edit buffer_reload buffer_close buffer_status query text_objects nav indent_guides ping session_exit shutdown"`
	Buffer  string          `json:"buffer,omitempty" validate:"required_if=Kind buffer_open,required_if=Kind buffer_edit,required_if=Kind buffer_reload,required_if=Kind buffer_close,required_if=Kind buffer_status,required_if=Kind query,required_if=Kind text_objects,required_if=Kind nav,required_if=Kind indent_guides,max=4096"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers one request, or carries a push when Kind is "push".
type Response struct {
	ID      uint64      `json:"id,omitempty"`
	Kind    string      `json:"kind"`
	Event   string      `json:"event,omitempty"`
	Buffer  string      `json:"buffer,omitempty"`
	Version uint64      `json:"version,omitempty"`
	Status  string      `json:"status"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    domainerrors.ErrorCode `json:"code"`
	Message string                 `json:"message"`
}

type HelloPayload struct {
	Name string `json:"name" validate:"max=256"`
	Cwd  string `json:"cwd" validate:"max=4096"`
}

type OpenPayload struct {
	Path      string `json:"path" validate:"max=4096"`
	Language  string `json:"language" validate:"max=64"`
	Text      string `json:"text"`
	Highlight bool   `json:"highlight"`
}

type EditOp struct {
	FirstSeq uint64 `json:"first_seq"`
	Seq      uint64 `json:"seq" validate:"required"`
	Start    uint   `json:"start"`
	End      uint   `json:"end" validate:"gtefield=Start"`
	Text     string `json:"text"`
}

type EditPayload struct {
	Edits []EditOp `json:"edits" validate:"required,min=1,dive"`
}

type ReloadPayload struct {
	Text     string `json:"text"`
	Language string `json:"language" validate:"max=64"`
}

type Range struct {
	Start uint `json:"start"`
	End   uint `json:"end" validate:"gtefield=Start"`
}

type QueryPayload struct {
	Query  string `json:"query" validate:"required,oneof=highlights injections locals indents textobjects"`
	Range  *Range `json:"range,omitempty"`
	Format string `json:"format" validate:"omitempty,oneof=json kakoune"`
}

type TextObjectsPayload struct {
	Pattern    string  `json:"pattern" validate:"required,max=128"`
	Mode       string  `json:"mode" validate:"omitempty,oneof=object next prev"`
	Selections []Range `json:"selections" validate:"required,min=1,dive"`
}

type NavPayload struct {
	Direction  string  `json:"direction" validate:"required,oneof=parent first_child last_child first_sibling last_sibling prev_sibling next_sibling"`
	Selections []Range `json:"selections" validate:"required,min=1,dive"`
}

type IndentGuidesPayload struct {
	Format string `json:"format" validate:"omitempty,oneof=json kakoune"`
}

// QueryResult is the result body of a query request. Ranges is set for the
// kakoune format.
type QueryResult struct {
	query.Result
	Ranges []string `json:"ranges,omitempty"`
}

type SelectionsResult struct {
	Selections []parser.ByteRange `json:"selections"`
}

type GuidesResult struct {
	Guides []query.Guideline `json:"guides"`
	Ranges []string          `json:"ranges,omitempty"`
}

type PongResult struct {
	Sessions int `json:"sessions"`
}

func (e EditOp) Edit() parser.Edit {
	return parser.Edit{FirstSeq: e.FirstSeq, Seq: e.Seq, StartByte: e.Start, OldEndByte: e.End, Text: e.Text}
}

func (r Range) ByteRange() parser.ByteRange {
	return parser.ByteRange{Start: r.Start, End: r.End}
}

func ByteRanges(rs []Range) []parser.ByteRange {
	out := make([]parser.ByteRange, len(rs))
	for i, r := range rs {
		out[i] = r.ByteRange()
	}
	return out
}

// StatusFor maps an error to the response status the editor acts on.
func StatusFor(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case domainerrors.IsCode(err, domainerrors.CodeSuperseded):
		return StatusSuperseded
	case domainerrors.IsCode(err, domainerrors.CodeSequenceGap), domainerrors.IsCode(err, domainerrors.CodeInvariantViolation):
		return StatusResyncRequired
	default:
		return StatusError
	}
}

// ErrorResponse builds the response for a failed request.
func ErrorResponse(id uint64, kind, buffer string, err error) Response {
	return Response{
		ID:     id,
		Kind:   kind,
		Buffer: buffer,
		Status: StatusFor(err),
		Error:  &ErrorBody{Code: domainerrors.CodeOf(err), Message: domainerrors.MessageOf(err)},
	}
}
