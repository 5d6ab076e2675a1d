package domain

// Payload is the variant-specific part of a message. The set of variants is
// closed: Text, File, Join and Leave.
type Payload interface {
	Kind() Kind
	content() string
}

// Text is a plain chat message.
type Text struct {
	Body string
}

func (Text) Kind() Kind { return KindChat }
func (t Text) content() string { return t.Body }

// File references an uploaded attachment.
type File struct {
	URL  string
	Name string
}

func (File) Kind() Kind { return KindFile }
func (f File) content() string { return f.URL }

// Join announces a user entering the broadcast topic.
type Join struct {
	Note string
}

func (Join) Kind() Kind { return KindJoin }
func (j Join) content() string { return j.Note }

// Leave announces a user leaving the broadcast topic.
type Leave struct {
	Note string
}

func (Leave) Kind() Kind { return KindLeave }
func (l Leave) content() string { return l.Note }

// NewPayload builds the variant for kind. Unknown kinds fall back to Text.
func NewPayload(kind Kind, content, fileName string) Payload {
	switch kind {
	case KindFile:
		return File{URL: content, Name: fileName}
	case KindJoin:
		return Join{Note: content}
	case KindLeave:
		return Leave{Note: content}
	default:
		return Text{Body: content}
	}
}
