package models

// Document describes an attachment on an inbound chat message. The content
// is not downloaded until the dialogue accepts it.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// Event is one inbound chat message, already stripped of transport detail.
type Event struct {
	ChatID   int64     `json:"chat_id"`
	Text     string    `json:"text"`
	Command  string    `json:"command"`
	Document *Document `json:"document,omitempty"`
}
