package batch

import (
	"errors"
	"fmt"
)

// ErrMalformedEntry indicates a provider entry is missing fields its tag
// requires.
var ErrMalformedEntry = errors.New("malformed batch result entry")

// EntryError reports which entry failed to normalize.
type EntryError struct {
	Index  int
	Reason string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %d: %s: %s", e.Index, ErrMalformedEntry, e.Reason)
}

func (e *EntryError) Unwrap() error {
	return ErrMalformedEntry
}

// successPayload selects the metadata payload of a successful entry.
var successPayload = map[OperationKind]func(RawEntry) *RawMetadata{
	KindCopy:   func(e RawEntry) *RawMetadata { return e.Success },
	KindMove:   func(e RawEntry) *RawMetadata { return e.Success },
	KindDelete: func(e RawEntry) *RawMetadata { return e.Metadata },
}

// Normalize converts provider entries into ResultEntries, one per input and
// in the same order.
//
// Failure entries become {tag: "failure", reason: <inner tag>} for every
// kind. Other entries take their metadata from the payload the kind reports
// (relocation "success" for copy and move, "metadata" for delete). A
// malformed entry aborts normalization with an *EntryError.
func Normalize(raw []RawEntry, kind OperationKind) ([]ResultEntry, error) {
	payload, ok := successPayload[kind]
	if !ok {
		return nil, fmt.Errorf("normalize: invalid operation kind %d", int(kind))
	}

	out := make([]ResultEntry, 0, len(raw))
	for i, item := range raw {
		if item.Tag == "" {
			return nil, &EntryError{Index: i, Reason: "missing .tag"}
		}

		if item.Tag == TagFailure {
			if item.Failure == nil || item.Failure.Tag == "" {
				return nil, &EntryError{Index: i, Reason: "failure without reason"}
			}
			out = append(out, ResultEntry{Tag: TagFailure, Reason: item.Failure.Tag})
			continue
		}

		meta := payload(item)
		if meta == nil {
			return nil, &EntryError{Index: i, Reason: fmt.Sprintf("%s entry without %s payload", item.Tag, kind)}
		}
		if meta.ID == "" {
			return nil, &EntryError{Index: i, Reason: "metadata without id"}
		}
		out = append(out, ResultEntry{
			Tag: item.Tag,
			Metadata: &EntryMetadata{
				ID:          meta.ID,
				Tag:         item.Tag,
				Name:        meta.Name,
				PathLower:   meta.PathLower,
				PathDisplay: meta.PathDisplay,
			},
		})
	}
	return out, nil
}
