package events

import "encoding/json"

// Content is the normalized body of a received message. Each implementation
// marshals to a single-key object naming its shape.
type Content interface {
	isContent()
}

type TextContent struct {
	Text string `json:"text"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Voice    *bool  `json:"voice,omitempty"`
}

type MediaContent struct {
	Media Media `json:"media"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type LocationContent struct {
	Location Location `json:"location"`
}

// ContactsContent keeps shared contact cards as sent; their schema is wide
// and consumers only display them.
type ContactsContent struct {
	Contacts json.RawMessage `json:"contacts"`
}

type Button struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

type ButtonContent struct {
	Button Button `json:"button"`
}

type Reply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"buttonReply,omitempty"`
	ListReply   *Reply `json:"listReply,omitempty"`
}

type InteractiveContent struct {
	Interactive Interactive `json:"interactive"`
}

// RawContent preserves a message of a type this service does not model.
type RawContent struct {
	Raw json.RawMessage `json:"raw"`
}

func (TextContent) isContent()        {}
func (MediaContent) isContent()       {}
func (LocationContent) isContent()    {}
func (ContactsContent) isContent()    {}
func (ButtonContent) isContent()      {}
func (InteractiveContent) isContent() {}
func (RawContent) isContent()         {}
