package session

import (
	"time"

	"github.com/neurallink-protocol/neurallink-go/pkg/wire"
)

// QueuedMessage is a message awaiting delivery to a specific device.
type QueuedMessage struct {
	ID       int64
	DeviceID string
	Message  *wire.Message
	Retries  int
	QueuedAt time.Time
}

// SendFunc attempts delivery of one message. A nil return means delivered.
type SendFunc func(*wire.Message) error

// Enqueue appends a message to the device's durable offline queue.
func (s *Store) Enqueue(deviceID string, m *wire.Message) error {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	body, err := wire.EncodeMessage(m)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO queue (device_id, message, retries, queued_at) VALUES (?, ?, 0, ?)`,
		deviceID, body, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}

	s.log.Debug().Str("device", deviceID).Str("type", string(m.Type)).Msg("message queued")
	return nil
}

// Pending returns the device's queued messages in enqueue order.
func (s *Store) Pending(deviceID string) ([]*QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, message, retries, queued_at FROM queue WHERE device_id = ? ORDER BY id`,
		deviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueuedMessage
	for rows.Next() {
		var (
			qm       QueuedMessage
			body     []byte
			queuedAt int64
		)
		if err := rows.Scan(&qm.ID, &qm.DeviceID, &body, &qm.Retries, &queuedAt); err != nil {
			return nil, err
		}
		m, err := wire.DecodeMessage(body)
		if err != nil {
			// Undecodable rows are skipped; retention cleanup removes them.
			s.log.Warn().Int64("entry", qm.ID).Err(err).Msg("corrupt queued message")
			continue
		}
		qm.Message = m
		qm.QueuedAt = time.UnixMilli(queuedAt)
		out = append(out, &qm)
	}
	return out, rows.Err()
}

// QueueDepth returns the number of queued messages for a device.
func (s *Store) QueueDepth(deviceID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE device_id = ?`, deviceID).Scan(&n)
	return n, err
}

// ProcessQueue attempts delivery of every queued message for the device.
// Messages that fail delivery are kept with an incremented retry counter
// until they hit RetryCap, at which point they are dropped and logged.
// Returns the number delivered and the number that failed this pass
// (dropped messages count as failures).
//
// Replayed messages and fresh sends may interleave: delivery order within
// the queue is enqueue order, but no ordering is guaranteed relative to
// messages sent concurrently on the live channel.
func (s *Store) ProcessQueue(deviceID string, send SendFunc) (sent, failed int, err error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := s.Pending(deviceID)
	if err != nil {
		return 0, 0, err
	}

	for _, qm := range pending {
		if sendErr := send(qm.Message); sendErr != nil {
			failed++
			retries := qm.Retries + 1
			if retries >= RetryCap {
				if _, err := s.db.Exec(`DELETE FROM queue WHERE id = ?`, qm.ID); err != nil {
					return sent, failed, err
				}
				s.log.Warn().
					Str("device", deviceID).
					Int64("entry", qm.ID).
					Int("retries", retries).
					Msg("queued message dropped after retry cap")
				continue
			}
			if _, err := s.db.Exec(`UPDATE queue SET retries = ? WHERE id = ?`, retries, qm.ID); err != nil {
				return sent, failed, err
			}
			continue
		}

		if _, err := s.db.Exec(`DELETE FROM queue WHERE id = ?`, qm.ID); err != nil {
			return sent, failed, err
		}
		sent++
	}

	if sent > 0 || failed > 0 {
		s.log.Info().Str("device", deviceID).Int("sent", sent).Int("failed", failed).Msg("queue processed")
	}
	return sent, failed, nil
}

// ClearQueue drops all queued messages for a device.
func (s *Store) ClearQueue(deviceID string) error {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`DELETE FROM queue WHERE device_id = ?`, deviceID)
	return err
}
