package memory

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/companion/pkg/kv"
)

// Log stores conversations of every (persona, user) pair.
type Log struct {
	store  kv.Store
	prefix kv.Key
	now    func() time.Time
}

// NewLog creates a Log on store under prefix (default {"conv"}).
func NewLog(store kv.Store, prefix kv.Key) *Log {
	if len(prefix) == 0 {
		prefix = kv.Key{"conv"}
	}
	return &Log{store: store, prefix: prefix, now: time.Now}
}

// Open returns the conversation of a pair. Handles are cheap and share
// the underlying data.
func (l *Log) Open(personaID, userID string) *Conversation {
	return &Conversation{
		store:     l.store,
		prefix:    l.prefix,
		personaID: personaID,
		userID:    userID,
		now:       l.now,
	}
}

// Conversation is the ordered message history between a persona and a
// user. Messages are keyed by nanosecond timestamp for chronological
// ordering.
//
// A session starts with the first message appended after the previous
// [Conversation.Close]. Revert removes the most recent assistant reply and
// the user message that triggered it, enabling a "regenerate" flow.
type Conversation struct {
	store     kv.Store
	prefix    kv.Key
	personaID string
	userID    string
	now       func() time.Time
}

// PersonaID returns the persona of the conversation.
func (c *Conversation) PersonaID() string { return c.personaID }

// UserID returns the user of the conversation.
func (c *Conversation) UserID() string { return c.userID }

// Append stores a message. If msg.Timestamp is zero, it is set to the
// current time. A timestamp already taken is bumped past the newest
// message.
//
// For user messages, a revert point is saved so that [Conversation.Revert]
// can undo back to this point.
func (c *Conversation) Append(ctx context.Context, msg Message) (Message, error) {
	err := c.store.Txn(ctx, func(tx kv.Txn) error {
		var err error
		msg, err = c.AppendIn(tx, msg)
		return err
	})
	return msg, err
}

// AppendIn is [Conversation.Append] inside tx. The message is stored only
// if tx commits.
func (c *Conversation) AppendIn(tx kv.Txn, msg Message) (Message, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = c.now().UnixNano()
	}
	lk := convLastKey(c.prefix, c.personaID, c.userID)
	if last, ok, err := txnTS(tx, lk); err != nil {
		return msg, err
	} else if ok && msg.Timestamp <= last {
		msg.Timestamp = last + 1
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return msg, err
	}
	ts := []byte(strconv.FormatInt(msg.Timestamp, 10))
	if err := tx.Set(convMsgKey(c.prefix, c.personaID, c.userID, msg.Timestamp), data); err != nil {
		return msg, err
	}
	if err := tx.Set(lk, ts); err != nil {
		return msg, err
	}
	if msg.Role == RoleUser {
		if err := tx.Set(convRevertKey(c.prefix, c.personaID, c.userID), ts); err != nil {
			return msg, err
		}
	}
	sk := convSessionKey(c.prefix, c.personaID, c.userID)
	if _, err := tx.Get(sk); errors.Is(err, kv.ErrNotFound) {
		return msg, tx.Set(sk, ts)
	} else if err != nil {
		return msg, err
	}
	return msg, nil
}

func txnTS(tx kv.Txn, key kv.Key) (int64, bool, error) {
	data, err := tx.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// Recent returns the n most recent messages in chronological order
// (oldest first). If fewer than n messages exist, all are returned.
func (c *Conversation) Recent(ctx context.Context, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	// KV list is ascending by key (chronological). Take the last n.
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// All returns all messages in chronological order.
func (c *Conversation) All(ctx context.Context) ([]Message, error) {
	return c.since(ctx, 0)
}

func (c *Conversation) since(ctx context.Context, from int64) ([]Message, error) {
	var msgs []Message
	for entry, err := range c.store.List(ctx, convMsgPrefix(c.prefix, c.personaID, c.userID)) {
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := msgpack.Unmarshal(entry.Value, &msg); err != nil {
			continue
		}
		if msg.Timestamp >= from {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// Count returns the total number of messages in the conversation.
func (c *Conversation) Count(ctx context.Context) (int, error) {
	count := 0
	for _, err := range c.store.List(ctx, convMsgPrefix(c.prefix, c.personaID, c.userID)) {
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// Session returns the messages of the open session, oldest first. It is
// empty when no session is open.
func (c *Conversation) Session(ctx context.Context) ([]Message, error) {
	start, ok, err := c.readTS(ctx, convSessionKey(c.prefix, c.personaID, c.userID))
	if err != nil || !ok {
		return nil, err
	}
	return c.since(ctx, start)
}

// LastActivity returns the time of the latest user message, or the zero
// time if the user never wrote.
func (c *Conversation) LastActivity(ctx context.Context) (time.Time, error) {
	ts, ok, err := c.readTS(ctx, convRevertKey(c.prefix, c.personaID, c.userID))
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Unix(0, ts), nil
}

func (c *Conversation) readTS(ctx context.Context, key kv.Key) (int64, bool, error) {
	data, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// Close ends the open session. When sum is non-nil the session's messages
// are summarized into a memory first; if that fails the session stays open
// so a later Close can retry. Returns nil, nil when no session is open.
func (c *Conversation) Close(ctx context.Context, sum *Summarizer) (*Summary, error) {
	msgs, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, c.store.Delete(ctx, convSessionKey(c.prefix, c.personaID, c.userID))
	}
	var out *Summary
	if sum != nil {
		out, err = sum.Summarize(ctx, c.personaID, c.userID, msgs)
		if err != nil {
			return nil, err
		}
	}
	return out, c.store.Delete(ctx, convSessionKey(c.prefix, c.personaID, c.userID))
}

// Revert removes the most recent assistant response(s) and the user
// message that triggered them.
//
// The revert point is the timestamp of the last user message. All messages
// at or after this timestamp are deleted. Returns nil if no revert point
// exists (no user messages have been sent).
func (c *Conversation) Revert(ctx context.Context) error {
	rk := convRevertKey(c.prefix, c.personaID, c.userID)
	revertTS, ok, err := c.readTS(ctx, rk)
	if err != nil || !ok {
		return err
	}

	prefix := convMsgPrefix(c.prefix, c.personaID, c.userID)
	var toDelete []kv.Key
	var latestUserTS, latestTS int64
	for entry, err := range c.store.List(ctx, prefix) {
		if err != nil {
			return err
		}
		var msg Message
		if err := msgpack.Unmarshal(entry.Value, &msg); err != nil {
			continue
		}
		if msg.Timestamp >= revertTS {
			toDelete = append(toDelete, entry.Key)
			continue
		}
		latestTS = max(latestTS, msg.Timestamp)
		if msg.Role == RoleUser && msg.Timestamp > latestUserTS {
			latestUserTS = msg.Timestamp
		}
	}
	if len(toDelete) > 0 {
		if err := c.store.BatchDelete(ctx, toDelete); err != nil {
			return err
		}
	}
	lk := convLastKey(c.prefix, c.personaID, c.userID)
	if latestTS > 0 {
		err = c.store.Set(ctx, lk, []byte(strconv.FormatInt(latestTS, 10)))
	} else {
		err = c.store.Delete(ctx, lk)
	}
	if err != nil {
		return err
	}
	if latestUserTS > 0 {
		return c.store.Set(ctx, rk, []byte(strconv.FormatInt(latestUserTS, 10)))
	}
	// No user messages remain; delete the revert key.
	return c.store.Delete(ctx, rk)
}

// Clear removes all messages, the revert point and the session marker.
func (c *Conversation) Clear(ctx context.Context) error {
	var keys []kv.Key
	for entry, err := range c.store.List(ctx, convMsgPrefix(c.prefix, c.personaID, c.userID)) {
		if err != nil {
			return err
		}
		keys = append(keys, entry.Key)
	}
	keys = append(keys,
		convRevertKey(c.prefix, c.personaID, c.userID),
		convLastKey(c.prefix, c.personaID, c.userID),
		convSessionKey(c.prefix, c.personaID, c.userID))
	return c.store.BatchDelete(ctx, keys)
}
