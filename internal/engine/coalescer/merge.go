package coalescer

import (
	"sitterd/internal/engine/parser"
)

// touches reports whether next, expressed in the coordinates produced by
// prev, overlaps or abuts the text prev inserted.
func touches(prev, next parser.Edit) bool {
	return next.StartByte <= prev.NewEndByte() && next.OldEndByte >= prev.StartByte
}

// merge folds next into prev. Both edits must touch. The result, applied to
// the text prev applied to, produces exactly what applying prev then next
// would.
func merge(prev, next parser.Edit) parser.Edit {
	newEnd := prev.NewEndByte()

	out := parser.Edit{
		FirstSeq:   firstSeq(prev),
		Seq:        next.Seq,
		StartByte:  min(prev.StartByte, next.StartByte),
		OldEndByte: prev.OldEndByte,
	}
	if next.OldEndByte > newEnd {
		// next also deletes bytes that lie after prev's insertion.
		out.OldEndByte = prev.OldEndByte + (next.OldEndByte - newEnd)
	}

	var prefix, suffix string
	if next.StartByte > prev.StartByte {
		prefix = prev.Text[:next.StartByte-prev.StartByte]
	}
	if next.OldEndByte < newEnd {
		suffix = prev.Text[next.OldEndByte-prev.StartByte:]
	}
	out.Text = prefix + next.Text + suffix
	return out
}

func firstSeq(e parser.Edit) uint64 {
	if e.FirstSeq == 0 {
		return e.Seq
	}
	return e.FirstSeq
}
