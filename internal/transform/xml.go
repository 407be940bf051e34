package transform

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

const (
	xmlRoot     = "root"
	xmlItem     = "item"
	xmlText     = "#text"
	xmlAttrMark = "@"
)

// decodeXML drops the root element name: its attributes and children
// become the keys of the returned object.
func decodeXML(data []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no root element")
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		content, err := readElement(dec, start)
		if err != nil {
			return nil, err
		}
		if s, ok := content.(string); ok {
			obj := NewObject()
			if s != "" {
				obj.Set(xmlText, s)
			}
			return obj, nil
		}
		return content, nil
	}
}

func readElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	obj := NewObject()
	for _, a := range start.Attr {
		obj.Set(xmlAttrMark+a.Name.Local, a.Value)
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			child, err := readElement(dec, t)
			if err != nil {
				return nil, err
			}
			appendValue(obj, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			s := strings.TrimSpace(text.String())
			if obj.Len() == 0 {
				return s, nil
			}
			if s != "" {
				obj.Set(xmlText, s)
			}
			return obj, nil
		}
	}
}

// appendValue binds v under key, turning repeated keys into a list.
func appendValue(obj *Object, key string, v any) {
	existing, ok := obj.Get(key)
	if !ok {
		obj.Set(key, v)
		return
	}
	if list, ok := existing.([]any); ok {
		obj.Set(key, append(list, v))
		return
	}
	obj.Set(key, []any{existing, v})
}

func encodeXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := writeElement(enc, xmlRoot, v); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeElement(enc *xml.Encoder, name string, v any) error {
	start := xml.StartElement{Name: xml.Name{Local: xmlName(name)}}

	switch t := v.(type) {
	case *Object:
		for _, k := range t.keys {
			if strings.HasPrefix(k, xmlAttrMark) {
				start.Attr = append(start.Attr, xml.Attr{
					Name:  xml.Name{Local: xmlName(strings.TrimPrefix(k, xmlAttrMark))},
					Value: scalarText(t.vals[k]),
				})
			}
		}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		for _, k := range t.keys {
			val := t.vals[k]
			switch {
			case strings.HasPrefix(k, xmlAttrMark):
				continue
			case k == xmlText:
				if err := enc.EncodeToken(xml.CharData(scalarText(val))); err != nil {
					return err
				}
			default:
				if list, ok := val.([]any); ok {
					for _, item := range list {
						if err := writeElement(enc, k, item); err != nil {
							return err
						}
					}
					continue
				}
				if err := writeElement(enc, k, val); err != nil {
					return err
				}
			}
		}
	case []any:
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		for _, item := range t {
			if err := writeElement(enc, xmlItem, item); err != nil {
				return err
			}
		}
	default:
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		if s := scalarText(t); s != "" {
			if err := enc.EncodeToken(xml.CharData(s)); err != nil {
				return err
			}
		}
	}
	return enc.EncodeToken(start.End())
}

func scalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// xmlName rewrites s into a valid element or attribute name.
func xmlName(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || r == '_':
			b.WriteRune(r)
		case i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'):
			b.WriteRune(r)
		case i == 0 && unicode.IsDigit(r):
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
