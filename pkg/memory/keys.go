package memory

import (
	"strconv"

	"github.com/haivivi/companion/pkg/kv"
)

// memPrefix returns the prefix of every memory for a (persona, user) pair.
func memPrefix(root kv.Key, personaID, userID string) kv.Key {
	return root.Append(personaID, userID)
}

func memKey(root kv.Key, personaID, userID, id string) kv.Key {
	return root.Append(personaID, userID, id)
}

// convMsgKey builds the key of one conversation message.
// Format: {root} + {persona} + {user} + "msg" + {ts_ns}
func convMsgKey(root kv.Key, personaID, userID string, ts int64) kv.Key {
	return root.Append(personaID, userID, "msg", strconv.FormatInt(ts, 10))
}

func convMsgPrefix(root kv.Key, personaID, userID string) kv.Key {
	return root.Append(personaID, userID, "msg")
}

// convRevertKey holds the timestamp of the last user message.
func convRevertKey(root kv.Key, personaID, userID string) kv.Key {
	return root.Append(personaID, userID, "revert")
}

// convLastKey holds the timestamp of the newest message.
func convLastKey(root kv.Key, personaID, userID string) kv.Key {
	return root.Append(personaID, userID, "last")
}

// convSessionKey holds the timestamp of the first message of the open
// session. It is absent when no session is open.
func convSessionKey(root kv.Key, personaID, userID string) kv.Key {
	return root.Append(personaID, userID, "session")
}
