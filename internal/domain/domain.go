package domain

import "fmt"

type MediaKind int

const (
	MediaPhoto MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	default:
		return fmt.Sprintf("MediaKind(%d)", int(k))
	}
}

type Media struct {
	Kind MediaKind
	URL  string
}

func Photo(url string) Media {
	return Media{Kind: MediaPhoto, URL: url}
}

func Video(url string) Media {
	return Media{Kind: MediaVideo, URL: url}
}

// Post is a single content item in a destination-agnostic shape.
// Source adapters build it once per accepted item and publishers consume it once.
type Post struct {
	// ID is the source item identifier. It is not delivered, only used for ordering and logs.
	ID uint64
	// Text may be empty.
	Text  string
	Media []Media
	// SourceLabel uses the "<platform> // <author>" format, e.g. "twitter // OnlyFlans".
	SourceLabel string
	// Permalink is empty when the source cannot build a link to the item.
	Permalink string
}

func (p Post) HasPermalink() bool {
	return p.Permalink != ""
}

// PublishOutcome reports how the destination handled a post. Only Success is OK;
// a rejection stays a rejection even with a zero code and an empty message.
type PublishOutcome struct {
	Code    int
	Message string

	delivered bool
}

func Success() PublishOutcome {
	return PublishOutcome{delivered: true}
}

func Rejected(code int, message string) PublishOutcome {
	return PublishOutcome{Code: code, Message: message}
}

func (o PublishOutcome) OK() bool {
	return o.delivered
}

func (o PublishOutcome) String() string {
	if o.OK() {
		return "success"
	}

	return fmt.Sprintf("%s (code %d)", o.Message, o.Code)
}
