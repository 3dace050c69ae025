package timeline

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/wagateway/internal/bus"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type TimelineService struct {
	db *sql.DB
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db}, nil
}

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// AddEvent records evt. A missing EventID or Timestamp is filled in; an
// EventID that was already recorded is ignored.
func (s *TimelineService) AddEvent(evt *SessionEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO session_events (event_id, assistant_id, event_type, status, peer, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.AssistantID, evt.EventType, evt.Status, evt.Peer, evt.Detail, evt.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		evt.ID = id
	}
	return nil
}

// ListEvents returns the newest events first. An empty assistantID lists
// events for every assistant.
func (s *TimelineService) ListEvents(assistantID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT id, event_id, assistant_id, event_type, status, peer, detail, timestamp FROM session_events`
	args := []any{}
	if assistantID != "" {
		query += ` WHERE assistant_id = ?`
		args = append(args, assistantID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.AssistantID, &e.EventType, &e.Status, &e.Peer, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and reports how many were removed.
func (s *TimelineService) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Record adapts a bus event; it is registered as an EventBus subscriber.
func (s *TimelineService) Record(ev bus.SessionEvent) {
	err := s.AddEvent(&SessionEvent{
		EventID:     ev.ID,
		AssistantID: ev.AssistantID,
		EventType:   string(ev.Type),
		Status:      ev.Status,
		Peer:        ev.Peer,
		Detail:      ev.Detail,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		slog.Warn("Timeline: failed to record event", "assistant_id", ev.AssistantID, "type", ev.Type, "error", err)
	}
}
