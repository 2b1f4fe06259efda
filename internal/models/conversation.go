package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// titleLimit is the number of characters kept from the first message when
// naming a new conversation.
const titleLimit = 50

type Conversation struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Role           string    `json:"role" db:"role"` // user, assistant, or system
	Content        string    `json:"content" db:"content"`
	Sources        Sources   `json:"sources,omitempty" db:"sources"`
	Model          string    `json:"model,omitempty" db:"model"`
	Files          Files     `json:"files,omitempty" db:"files"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Source is a citation attached to an assistant reply.
type Source struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"snippet,omitempty"`
	FaviconURL string `json:"favicon_url,omitempty"`
}

// FileMeta describes an attachment the user sent with a message. Only the
// metadata is stored, never the file body.
type FileMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

type Profile struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeriveTitle names a conversation after its first message: the first 50
// characters, followed by "..." when the message was longer.
func DeriveTitle(message string) string {
	if utf8.RuneCountInString(message) <= titleLimit {
		return message
	}
	runes := []rune(message)
	return string(runes[:titleLimit]) + "..."
}

// Sources and Files are stored as JSON columns.
type Sources []Source

type Files []FileMeta

func (s Sources) Value() (driver.Value, error) { return jsonValue(s) }

func (s *Sources) Scan(src interface{}) error { return jsonScan(src, s) }

func (f Files) Value() (driver.Value, error) { return jsonValue(f) }

func (f *Files) Scan(src interface{}) error { return jsonScan(src, f) }

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src interface{}, dst interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, dst)
}
