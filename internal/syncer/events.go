package syncer

// EventType enumerates emitted copy events.
type EventType string

const (
	EventFolderStart    EventType = "folder_start"
	EventFolderProgress EventType = "folder_progress"
	EventFolderDone     EventType = "folder_done"
)

// Event carries progress about one folder pair.
type Event struct {
	Type   EventType
	Folder string
	Total  int
	Done   int
}
