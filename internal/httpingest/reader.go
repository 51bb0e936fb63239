// Package httpingest implements the bulk HTTP ingestion surface: single-part
// and multipart/related uploads staged into the payload pipeline.
package httpingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Item is one unit of content extracted from a request body.
type Item struct {
	Index       int
	ContentType string
	Content     []byte
}

// errBadBoundary rejects multipart requests the reader cannot split.
var errBadBoundary = errors.New("multipart/related content-type missing a valid boundary")

// allowedTypes lists the media types the gateway accepts, mapped to their
// staging directory. Parameters (charset, boundary) are ignored.
var allowedTypes = map[string]string{
	"application/hl7-v2":       "hl7",
	"x-application/hl7-v2+er7": "hl7",
	"application/fhir+json":    "fhir",
	"application/fhir+xml":     "fhir",
	"application/json":         "fhir",
	"application/dicom":        "dicom",
}

// kindFor maps a media type to its staging directory, or "" when the type is
// not accepted.
func kindFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	return allowedTypes[mediaType]
}

// extFor picks the staged file extension for a media type.
func extFor(contentType string) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.Contains(mediaType, "dicom"):
		return ".dcm"
	case strings.Contains(mediaType, "json"):
		return ".json"
	case strings.Contains(mediaType, "xml"):
		return ".xml"
	default:
		return ".txt"
	}
}

// validateContent runs the cheap structural check for a media type before
// the item is staged: enough to catch mislabeled uploads, not a full decode.
func validateContent(kind, contentType string, data []byte) error {
	switch kind {
	case "hl7":
		if !bytes.HasPrefix(data, []byte("MSH|")) {
			return errors.New("content does not start with an MSH segment")
		}
	case "fhir":
		if strings.Contains(contentType, "xml") {
			if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("<")) {
				return errors.New("content is not well-formed XML")
			}
		} else if !json.Valid(data) {
			return errors.New("content is not well-formed JSON")
		}
	case "dicom":
		if len(data) < 132 || !bytes.Equal(data[128:132], []byte("DICM")) {
			return errors.New("content is missing the DICM preamble")
		}
	}
	return nil
}

// readItems splits a request body into items. A multipart/related body
// yields one item per part; anything else is a single item. A missing
// content type is sniffed from the leading bytes.
func readItems(r *http.Request, maxBytes int64) ([]Item, error) {
	body := http.MaxBytesReader(nil, r.Body, maxBytes)

	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == "multipart/related" {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errBadBoundary
		}
		return readParts(multipart.NewReader(body, boundary), params["type"])
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return []Item{{Index: 0, ContentType: contentType, Content: data}}, nil
}

// readParts drains a multipart reader. A part without its own Content-Type
// inherits the root type from the outer header, falling back to sniffing.
func readParts(mr *multipart.Reader, rootType string) ([]Item, error) {
	var items []Item
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadBoundary, err)
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", i, err)
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = rootType
		}
		if contentType == "" {
			contentType = mimetype.Detect(data).String()
		}
		items = append(items, Item{Index: i, ContentType: contentType, Content: data})
	}
}
