package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the admission events recorded by the journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventReserve EventType = "RESERVE" // Estimate charged to the ledger
	EventRelease EventType = "RELEASE" // Estimate returned to the ledger
	EventDefer   EventType = "DEFER"   // Admission rejected, ledger untouched
)

// Event represents one journal record
type Event struct {
	Seq       uint64             `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType          `json:"type"`      // Event type
	TaskID    string             `json:"task_id"`   // Task the event belongs to
	TaskType  string             `json:"task_type"` // Task type wire name
	Estimate  map[string]float64 `json:"estimate"`  // Resource vector involved
	Timestamp int64              `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32             `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay
type EventHandler func(event Event) error
