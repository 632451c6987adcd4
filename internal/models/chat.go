package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatSession is a conversation, optionally bound to one uploaded document.
type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	PDFName   *string   `json:"pdfName"`
	FileURL   *string   `json:"fileUrl,omitempty"`
	IsShared  bool      `json:"isShared"`
	ShareID   *string   `json:"shareId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BoundDocument returns the source name retrieval is scoped to, or "".
func (c ChatSession) BoundDocument() string {
	if c.PDFName == nil {
		return ""
	}
	return *c.PDFName
}

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatSummary is the list view of a chat.
type ChatSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PDFName   *string   `json:"pdfName"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatWithMessages is a chat together with its messages in createdAt order.
type ChatWithMessages struct {
	ChatSession
	Messages []Message `json:"messages"`
}

// SharedChat is the public view of a shared chat. It leaves out the owner
// and the stored file location.
type SharedChat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PDFName   *string   `json:"pdfName"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}
