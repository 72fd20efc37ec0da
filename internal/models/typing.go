package models

// TypingSignal marks a user as currently typing; its presence is the signal.
type TypingSignal struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
}

// SetKey fills the user id from the record key when the payload omits it.
func (t *TypingSignal) SetKey(key string) {
	if t.UserID == "" {
		t.UserID = key
	}
}

func (t *TypingSignal) CreatedAtMillis() int64 { return t.Timestamp }
