package collab

import (
	"encoding/json"
	"fmt"
)

const OpTypeText = "text"

// textPayload is a single edit against a plain text document. Positions
// are rune offsets into the document as the submitter saw it at its base
// version; commit rebases them against the conflict window.
type textPayload struct {
	Op   string `json:"op"`
	Pos  int    `json:"pos"`
	Text string `json:"text,omitempty"`
	Len  int    `json:"len,omitempty"`
}

const (
	textOpInsert = "insert"
	textOpDelete = "delete"
)

func initialTextState() (json.RawMessage, error) {
	return json.Marshal("")
}

func applyTextOperation(state State, op Operation, window []Operation) (MergeResult, error) {
	var doc string
	if err := json.Unmarshal(state.Data, &doc); err != nil {
		return MergeResult{}, fmt.Errorf("corrupt text state: %w", err)
	}
	var edit textPayload
	if err := json.Unmarshal(op.Payload, &edit); err != nil {
		return MergeResult{}, fmt.Errorf("%w: malformed text payload: %v", ErrInvalidInput, err)
	}
	if edit.Op != textOpInsert && edit.Op != textOpDelete {
		return MergeResult{}, fmt.Errorf("%w: unsupported text op %q", ErrInvalidInput, edit.Op)
	}
	if edit.Pos < 0 || (edit.Op == textOpDelete && edit.Len < 0) {
		return MergeResult{}, fmt.Errorf("%w: negative text position or length", ErrInvalidInput)
	}

	rebased, err := rebaseTextEdit(edit, window)
	if err != nil {
		return MergeResult{}, err
	}

	runes := []rune(doc)
	switch rebased.Op {
	case textOpInsert:
		pos := clampInt(rebased.Pos, 0, len(runes))
		rebased.Pos = pos
		out := make([]rune, 0, len(runes)+len(rebased.Text))
		out = append(out, runes[:pos]...)
		out = append(out, []rune(rebased.Text)...)
		out = append(out, runes[pos:]...)
		runes = out
	case textOpDelete:
		pos := clampInt(rebased.Pos, 0, len(runes))
		end := clampInt(pos+rebased.Len, pos, len(runes))
		rebased.Pos = pos
		rebased.Len = end - pos
		runes = append(runes[:pos], runes[end:]...)
	}

	data, err := json.Marshal(string(runes))
	if err != nil {
		return MergeResult{}, err
	}
	effective, err := json.Marshal(rebased)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{
		State:            State{Type: OpTypeText, Data: data},
		EffectivePayload: effective,
	}, nil
}

// rebaseTextEdit transforms an edit across the committed edits the
// submitter had not seen, oldest first. Both endpoints of a delete range
// are remapped, so a delete shrinks when a committed delete already
// removed part of its range. Concurrent inserts at the same position keep
// the earlier-committed text on the left.
func rebaseTextEdit(edit textPayload, window []Operation) (textPayload, error) {
	for _, prior := range window {
		var committed textPayload
		if err := json.Unmarshal(prior.Payload, &committed); err != nil {
			return textPayload{}, fmt.Errorf("corrupt committed text payload at seq %d: %w", prior.Seq, err)
		}
		remap := func(x int) int { return x }
		switch committed.Op {
		case textOpInsert:
			p, l := committed.Pos, len([]rune(committed.Text))
			remap = func(x int) int {
				if x >= p {
					return x + l
				}
				return x
			}
		case textOpDelete:
			s, l := committed.Pos, committed.Len
			remap = func(x int) int {
				switch {
				case x >= s+l:
					return x - l
				case x >= s:
					return s
				default:
					return x
				}
			}
		}
		switch edit.Op {
		case textOpInsert:
			edit.Pos = remap(edit.Pos)
		case textOpDelete:
			start := remap(edit.Pos)
			end := remap(edit.Pos + edit.Len)
			edit.Pos = start
			edit.Len = end - start
		}
	}
	return edit, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
