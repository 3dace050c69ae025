package timeline

import "time"

// SessionEvent is one recorded lifecycle or relay event.
type SessionEvent struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	AssistantID string    `json:"assistant_id"`
	EventType   string    `json:"event_type"`
	Status      string    `json:"status,omitempty"`
	Peer        string    `json:"peer,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Schema is applied on every open; statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE NOT NULL,
	assistant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	peer TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_assistant ON session_events(assistant_id, id);
CREATE INDEX IF NOT EXISTS idx_session_events_timestamp ON session_events(timestamp);
`
