package batch

// Provider status and entry tags.
const (
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"

	TagSuccess = "success"
	TagFailure = "failure"
)

// RawJobStatus is a provider job-status response as it arrives on the wire.
//
// The provider returns a tagged union; only the complete variant carries
// entries. Unknown fields of the failed variant are ignored.
type RawJobStatus struct {
	Tag     string     `json:".tag"`
	Entries []RawEntry `json:"entries,omitempty"`
}

// RawEntry is one per-item outcome of a batch operation.
//
// Relocation (copy, move) successes carry their metadata under "success";
// delete successes carry it under "metadata". Failures carry a tagged reason
// under "failure".
type RawEntry struct {
	Tag      string       `json:".tag"`
	Success  *RawMetadata `json:"success,omitempty"`
	Metadata *RawMetadata `json:"metadata,omitempty"`
	Failure  *RawFailure  `json:"failure,omitempty"`
}

// RawMetadata is the file or folder metadata attached to a successful entry.
type RawMetadata struct {
	Tag         string `json:".tag,omitempty"`
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	PathLower   string `json:"path_lower,omitempty"`
	PathDisplay string `json:"path_display,omitempty"`
}

// RawFailure is the tagged reason attached to a failed entry.
type RawFailure struct {
	Tag string `json:".tag"`
}

// ResultEntry is the uniform outcome for one item of a batch.
//
// Failed items set Reason and leave Metadata nil; successful items set
// Metadata and leave Reason empty.
type ResultEntry struct {
	Tag      string         `json:"tag"`
	Reason   string         `json:"reason,omitempty"`
	Metadata *EntryMetadata `json:"metadata,omitempty"`
}

// EntryMetadata describes the file or folder an entry applied to.
type EntryMetadata struct {
	ID          string `json:"id"`
	Tag         string `json:"tag"`
	Name        string `json:"name,omitempty"`
	PathLower   string `json:"path_lower,omitempty"`
	PathDisplay string `json:"path_display,omitempty"`
}

// IsFailure reports whether the entry records a failed item.
func (e ResultEntry) IsFailure() bool {
	return e.Tag == TagFailure
}
