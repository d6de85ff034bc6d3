package models

import "strings"

// PartState is the transfer state of a single attachment part.
type PartState string

const (
	PartPending         PartState = "pending"
	PartPendingApproval PartState = "pending_approval"
	PartDownloading     PartState = "downloading"
	PartDone            PartState = "done"
	PartFailed          PartState = "failed"
)

// ContentKind groups content types for the auto-download policy.
type ContentKind string

const (
	KindImage ContentKind = "image"
	KindAudio ContentKind = "audio"
	KindVideo ContentKind = "video"
	KindOther ContentKind = "other"
)

// Part is one attachment item of a message.
type Part struct {
	MessageID          int64     `json:"message_id"`
	PartID             int64     `json:"part_id"`
	ContentType        string    `json:"content_type"`
	ContentLocation    string    `json:"content_location"`
	ContentDisposition string    `json:"content_disposition"`
	Name               string    `json:"name,omitempty"`
	State              PartState `json:"state"`
	DataLocation       string    `json:"data_location,omitempty"`
	ThumbnailLocation  string    `json:"thumbnail_location,omitempty"`
	Size               int64     `json:"size"`
}

// Kind derives the content kind from the MIME type.
func (p Part) Kind() ContentKind {
	ct := strings.ToLower(strings.TrimSpace(p.ContentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "audio/"):
		return KindAudio
	case strings.HasPrefix(ct, "video/"):
		return KindVideo
	}
	return KindOther
}
