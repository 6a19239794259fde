package inspections

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	dataURIScheme      = "data:"
	dataURIBase64Flag  = ";base64"
	genericContentType = "application/octet-stream"
)

// ErrInvalidDataURI indicates an embedded payload that cannot be decoded.
var ErrInvalidDataURI = errors.New("inspections: invalid data uri")

// DataPayload is the decoded body of a data URI.
type DataPayload struct {
	ContentType string
	Data        []byte
}

// DecodeDataURI decodes base64 and percent-encoded data URIs. When the URI does
// not declare a media type the content type is sniffed from the bytes.
func DecodeDataURI(raw string) (DataPayload, error) {
	if !strings.HasPrefix(raw, dataURIScheme) {
		return DataPayload{}, fmt.Errorf("%w: missing data scheme", ErrInvalidDataURI)
	}
	separator := strings.IndexByte(raw, ',')
	if separator < 0 {
		return DataPayload{}, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURI)
	}
	header := raw[len(dataURIScheme):separator]
	body := raw[separator+1:]

	isBase64 := strings.HasSuffix(strings.ToLower(header), dataURIBase64Flag)
	if isBase64 {
		header = header[:len(header)-len(dataURIBase64Flag)]
	}
	mediaType := strings.TrimSpace(strings.SplitN(header, ";", 2)[0])

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
			if err != nil {
				return DataPayload{}, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(body)
		if err != nil {
			return DataPayload{}, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return DataPayload{}, fmt.Errorf("%w: empty payload", ErrInvalidDataURI)
	}

	if mediaType == "" || mediaType == genericContentType {
		mediaType = mimetype.Detect(data).String()
	}
	return DataPayload{ContentType: mediaType, Data: data}, nil
}
