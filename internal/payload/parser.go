package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	common "github.com/example/mail-relay/internal/adapters/common"
	"github.com/example/mail-relay/internal/models"
	"github.com/example/mail-relay/internal/util"
)

// Parser decodes request bodies into generic documents.
type Parser struct {
	maxBytes int
}

// NewParser returns a parser rejecting bodies larger than maxBytes. A
// non-positive limit disables the check.
func NewParser(maxBytes int) *Parser {
	return &Parser{maxBytes: maxBytes}
}

// Parse decodes body as a single JSON value. Numbers keep their textual form
// so re-serialization does not alter them. Every failure wraps
// common.ErrMalformedPayload and carries the decoder diagnostic.
func (p *Parser) Parse(body []byte) (*models.Payload, error) {
	if err := util.EnsureMaxBytes("payload", body, p.maxBytes); err != nil {
		return nil, common.WrapMalformed(err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, common.WrapMalformed(errors.New("body is empty"))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, common.WrapMalformed(describe(err))
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, common.WrapMalformed(fmt.Errorf("trailing data after JSON value at offset %d", dec.InputOffset()))
	}

	return models.NewPayload(doc), nil
}

func describe(err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("%v at offset %d", syntaxErr, syntaxErr.Offset)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.New("unexpected end of JSON input")
	}
	return err
}
