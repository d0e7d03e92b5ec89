package runwatch

// Kind classifies a run lifecycle event.
type Kind string

const (
	Finished Kind = "FINISHED"
	Deleted  Kind = "DELETED"
)

// Event reports that a run has ended, either by reaching its terminal status
// or by having its status record deleted.
type Event struct {
	RunName  string
	Kind     Kind
	OldValue string
	NewValue string
}
