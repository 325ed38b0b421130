package pull

// Phase represents a stage in the image pull lifecycle.
type Phase int

const (
	PhaseDownload Phase = iota // byte stream started.
	PhaseVerify                // digest verification after download.
	PhaseCommit                // publishing the blob and writing the index.
	PhaseDone                  // pull completed successfully.
)

// Event describes a single pull progress update.
type Event struct {
	Phase      Phase
	BytesTotal int64 // Content length; -1 if unknown.
	BytesDone  int64 // Bytes downloaded so far (download phase only).
}
