package models

// Body types understood by the relay.
const (
	BodyTypeText = "text"
	BodyTypeHTML = "html"
)

// ComposedMessage is the message built for a single request. It is never
// stored; every request builds a fresh one.
type ComposedMessage struct {
	MessageID string
	Rule      string
	From      string
	To        string
	Subject   string
	BodyType  string
	Body      string
	Headers   map[string]string
}

// MIMETypeFor maps a body type onto its MIME content type. Unknown values
// fall back to plain text.
func MIMETypeFor(bodyType string) string {
	if bodyType == BodyTypeHTML {
		return "text/html"
	}
	return "text/plain"
}
