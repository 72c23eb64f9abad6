package action

// Attachment content types.
const (
	ContentTypeJSON = "application/json"
	ContentTypePNG  = "image/png"
	ContentTypeHTML = "text/html"
	ContentTypeText = "text/plain"
)

// Attachment is one named artifact handed to a Reporter.
type Attachment struct {
	Body        []byte
	ContentType string
}

// Reporter receives attempt records and failure evidence. Attach must not
// fail the caller; sinks log and drop their own errors.
type Reporter interface {
	Attach(name string, a Attachment)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(name string, a Attachment)

func (f ReporterFunc) Attach(name string, a Attachment) { f(name, a) }

type discard struct{}

func (discard) Attach(string, Attachment) {}

// Discard drops every attachment.
var Discard Reporter = discard{}
