package transform

import (
	"strings"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
)

// Format names a payload encoding.
type Format string

// Supported formats.
const (
	JSON Format = "json"
	XML  Format = "xml"
	Form Format = "form"
)

// Formats lists the supported formats.
var Formats = []Format{JSON, XML, Form}

// ParseFormat resolves a format name case-insensitively. The empty name
// means JSON.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return JSON, nil
	case JSON, XML, Form:
		return f, nil
	default:
		return "", errors.NewUnsupportedFormatError("transform", name)
	}
}

// Supported reports whether name is a known format.
func Supported(name string) bool {
	_, err := ParseFormat(name)
	return err == nil
}

// ContentType returns the media type written for a format.
func ContentType(name string) string {
	f, err := ParseFormat(name)
	if err != nil {
		return "application/octet-stream"
	}
	switch f {
	case XML:
		return "application/xml"
	case Form:
		return "application/x-www-form-urlencoded"
	default:
		return "application/json"
	}
}
